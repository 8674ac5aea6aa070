package measure

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultProfile is the medium assumed when none is configured.
const DefaultProfile = "11g"

const (
	defaultMTU = 1468

	// 802.11a/g OFDM timings in microseconds.
	difsUsecs   = 34
	avgCWUsecs  = 15 * 9
	sifsUsecs   = 16
	ackUsecs    = 24
	symbolUsecs = 4
	// bits carried per OFDM symbol at 54 Mb/s
	bitsPerSymbol = 216
	// UDP 12 + IPv4 20 + MAC 28 + LLC/SNAP 8
	frameOverhead = 12 + 20 + 28 + 8
)

var ErrUnknownProfile = errors.New("measure: unknown medium profile")

// Profile describes a medium by the time it needs to carry one UDP payload.
type Profile struct {
	Name    string
	TxUsecs func(payload int) int
}

// TPS is the number of transactions per second the medium sustains for
// payloads of size bytes.
func (p Profile) TPS(size int) int {
	usecs := p.TxUsecs(size)
	if usecs <= 0 {
		return 0
	}
	return 1000000 / usecs
}

var profiles = map[string]Profile{
	"11a": {Name: "11a", TxUsecs: TxUsecs80211ga},
	"11g": {Name: "11g", TxUsecs: TxUsecs80211ga},
}

func LookupProfile(name string) (Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownProfile, name, ProfileNames())
	}
	return p, nil
}

func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TxUsecs80211ga is the airtime of one UDP payload on an 802.11a/g link,
// assuming every transmission succeeds at the first attempt. Payloads above
// the MTU are split in two halves recursively.
func TxUsecs80211ga(payload int) int {
	return txUsecs80211ga(payload, defaultMTU)
}

func txUsecs80211ga(payload, mtu int) int {
	if payload > mtu {
		half := payload / 2
		return txUsecs80211ga(half, mtu) + txUsecs80211ga(payload-half, mtu)
	}
	bits := (payload + frameOverhead) * 8
	symbols := (bits + bitsPerSymbol - 1) / bitsPerSymbol
	return difsUsecs + avgCWUsecs + symbols*symbolUsecs + sifsUsecs + ackUsecs
}
