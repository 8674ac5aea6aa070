package app

import (
	"context"
	"fmt"
	"time"

	"github.com/NodePath81/joule/internal/click"
	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/meter"
	"github.com/NodePath81/joule/internal/model"
	"github.com/NodePath81/joule/internal/util"
)

// OpenMeter builds the meter selected by cfg.Meter.Mode. The returned close
// function releases the serial device, if one was opened.
func OpenMeter(ctx context.Context, cfg config.Config, client *click.Client, logger util.Logger) (meter.Meter, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Meter.Mode {
	case config.MeterVirtual:
		vm, err := openVirtual(ctx, cfg, client, cfg.Meter.Interval.Duration(), logger)
		if err != nil {
			return nil, nil, err
		}
		return vm, noop, nil
	case config.MeterDevice:
		dev, err := meter.OpenDevice(cfg.Device.Path, *cfg.Device.Baud)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("power meter connected", "device", cfg.Device.Path, "baud", *cfg.Device.Baud)
		return dev, dev.Close, nil
	case config.MeterDual:
		dev, err := meter.OpenDevice(cfg.Device.Path, *cfg.Device.Baud)
		if err != nil {
			return nil, nil, err
		}
		// the board paces the pair; the virtual side just diffs counters
		vm, err := openVirtual(ctx, cfg, client, 0, logger)
		if err != nil {
			_ = dev.Close()
			return nil, nil, err
		}
		logger.Info("dual meter connected", "device", cfg.Device.Path, "models", cfg.Models)
		return &meter.DualMeter{Device: dev, Virtual: vm}, dev.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown meter mode %q", cfg.Meter.Mode)
	}
}

// LoadModel reads and validates the model file named by the config.
func LoadModel(cfg config.Config) (*model.Model, error) {
	params, err := model.Load(cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("load models %s: %w", cfg.Models, err)
	}
	return model.New(params, cfg.Virtual.XMin), nil
}

func openVirtual(ctx context.Context, cfg config.Config, client *click.Client, interval time.Duration, logger util.Logger) (*meter.VirtualMeter, error) {
	m, err := LoadModel(cfg)
	if err != nil {
		return nil, err
	}
	source := &meter.ClickHistogram{
		Client:  client,
		Host:    cfg.Virtual.Addr,
		Port:    cfg.Virtual.Port,
		Handler: cfg.Virtual.Handler,
		File:    cfg.Virtual.Fetch == config.FetchFile,
		FileDir: cfg.Virtual.FileDir,
	}
	vm, err := meter.NewVirtualMeter(ctx, m, source, meter.VirtualOptions{
		Interval:     interval,
		HeaderOffset: cfg.Virtual.HeaderOffset,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("virtual meter ready",
		"addr", util.NetJoin(cfg.Virtual.Addr, cfg.Virtual.Port),
		"gamma", m.Gamma(),
		"interval", interval,
	)
	return vm, nil
}
