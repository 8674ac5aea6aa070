package descriptor

const (
	DefaultRates    = "0.1 0.5 1 2 5 10 15 20 25 30 35 40"
	DefaultSizes    = "64 128 256 384 512 640 768 1024 1280 1460 1534 1788 2048"
	DefaultDuration = 30
	DefaultProbeIP  = "127.0.0.1"
)

type TemplateOptions struct {
	ProbeA    string
	ProbeB    string
	Rates     []float64
	Sizes     []int
	DurationS float64
}

// Template builds a descriptor with two probes A and B and one stint per
// rate and size in each direction.
func Template(opts TemplateOptions) *Descriptor {
	if opts.ProbeA == "" {
		opts.ProbeA = DefaultProbeIP
	}
	if opts.ProbeB == "" {
		opts.ProbeB = DefaultProbeIP
	}
	if opts.DurationS <= 0 {
		opts.DurationS = DefaultDuration
	}
	d := &Descriptor{
		Probes: map[string]Probe{
			"A": {
				IP:              opts.ProbeA,
				Receiver:        opts.ProbeB,
				SenderPort:      9997,
				ReceiverPort:    9998,
				ReceiverControl: 8888,
				SenderControl:   8889,
			},
			"B": {
				IP:              opts.ProbeB,
				Receiver:        opts.ProbeA,
				SenderPort:      9998,
				ReceiverPort:    9997,
				ReceiverControl: 7777,
				SenderControl:   7778,
			},
		},
		Stints: make([]*Stint, 0, 2*len(opts.Rates)*len(opts.Sizes)),
		Idle:   &Idle{DurationS: opts.DurationS},
	}
	for _, rate := range opts.Rates {
		for _, size := range opts.Sizes {
			d.Stints = append(d.Stints,
				&Stint{Src: "B", Dst: "A", BitrateMbps: rate, PacketSize: size, DurationS: opts.DurationS},
				&Stint{Src: "A", Dst: "B", BitrateMbps: rate, PacketSize: size, DurationS: opts.DurationS},
			)
		}
	}
	d.SetLink("TX", ModelLink{Src: "A", Dst: "B"})
	d.SetLink("RX", ModelLink{Src: "B", Dst: "A"})
	return d
}
