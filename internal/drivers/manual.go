package drivers

import (
	"context"
	"log/slog"

	"github.com/tinkerbelle-io/tb-power/internal/catalog"
)

// ManualDriver is for machines an operator powers by hand. Every action
// succeeds without touching hardware.
type ManualDriver struct {
	log *slog.Logger
}

func NewManualDriver() *ManualDriver {
	return &ManualDriver{log: slog.Default().With("component", "drivers", "driver", "manual")}
}

func (d *ManualDriver) Name() string            { return "manual" }
func (d *ManualDriver) Description() string     { return "Manual power control" }
func (d *ManualDriver) Fields() []catalog.Field { return []catalog.Field{} }

func (d *ManualDriver) PowerOn(ctx context.Context, p Params) error {
	d.log.Info("manual power on requested; an operator must power the machine on")
	return nil
}

func (d *ManualDriver) PowerOff(ctx context.Context, p Params) error {
	d.log.Info("manual power off requested; an operator must power the machine off")
	return nil
}

func (d *ManualDriver) PowerQuery(ctx context.Context, p Params) (State, error) {
	return StateUnknown, nil
}
