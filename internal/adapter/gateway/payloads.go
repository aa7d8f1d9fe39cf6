package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"trill/internal/domain"
	"trill/internal/infra/config"
)

// SessionStore persists session snapshots across process restarts, keyed by
// shard. Implementations must tolerate concurrent calls.
type SessionStore interface {
	Save(ctx context.Context, shardID int, snap domain.SessionSnapshot) error
	Load(ctx context.Context, shardID int) (domain.SessionSnapshot, bool, error)
	Clear(ctx context.Context, shardID int) error
}

func buildIdentify(cfg config.GatewayConfig) (domain.Payload, error) {
	ident := domain.Identify{
		Token: cfg.Token,
		Properties: domain.IdentifyProperties{
			OS:      cfg.Properties.OS,
			Browser: cfg.Properties.Browser,
			Device:  cfg.Properties.Device,
		},
		Intents: cfg.Intents,
	}
	if cfg.ShardCount > 0 {
		shard := [2]int{cfg.ShardID, cfg.ShardCount}
		ident.Shard = &shard
	}

	data, err := json.Marshal(ident)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("marshal identify: %w", err)
	}
	return domain.Payload{Op: domain.OpIdentify, Data: data}, nil
}

func buildResume(token string, snap domain.SessionSnapshot) (domain.Payload, error) {
	data, err := json.Marshal(domain.Resume{
		Token:     token,
		SessionID: snap.SessionID,
		Seq:       snap.Sequence,
	})
	if err != nil {
		return domain.Payload{}, fmt.Errorf("marshal resume: %w", err)
	}
	return domain.Payload{Op: domain.OpResume, Data: data}, nil
}

// buildHeartbeat carries the last-seen sequence number, or null before the
// first dispatch arrives.
func buildHeartbeat(seq *uint64) domain.Payload {
	data := json.RawMessage("null")
	if seq != nil {
		data = json.RawMessage(fmt.Sprintf("%d", *seq))
	}
	return domain.Payload{Op: domain.OpHeartbeat, Data: data}
}
