package namespace

import (
	"GoISG/internal/config"
	"GoISG/internal/engine/session"
	"GoISG/internal/model"
)

// Params are the runtime-tunable parameters of a namespace, read at
// session-creation and command time.
type Params struct {
	Timeouts     session.Timeouts
	PermitAction model.Verdict
	DenyAction   model.Verdict
	PassOutgoing bool
}

// ParamsFromConfig converts validated configuration defaults.
func ParamsFromConfig(d config.EngineDefaults) Params {
	return Params{
		Timeouts: session.Timeouts{
			ExportInterval:     config.Duration(d.ExportInterval),
			IdleTimeout:        config.Duration(d.IdleTimeout),
			MaxDuration:        config.Duration(d.MaxDuration),
			InitialMaxDuration: config.Duration(d.InitialMaxDuration),
			ApproveRetry:       config.Duration(d.ApproveRetryInterval),
		},
		PermitAction: model.ParseVerdict(d.PermitAction),
		DenyAction:   model.ParseVerdict(d.DenyAction),
		PassOutgoing: d.PassOutgoing,
	}
}
