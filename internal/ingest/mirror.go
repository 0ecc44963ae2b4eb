package ingest

import (
	"context"

	"example.com/backstage/services/telemetry/internal/models"

	"github.com/rs/zerolog/log"
)

const mirrorQueueSize = 1024

// mirrorOp is a put or delete of a device's mirrored state. seq orders ops
// of one device; a delete carries the last sequence admitted before it.
type mirrorOp struct {
	deviceID string
	seq      uint64
	snap     models.Snapshot
	delete   bool
}

// runMirror applies mirror ops one at a time. Ops older than the last one
// applied for the same device are dropped, so the mirror never moves back
// to an older snapshot and a deleted device is not resurrected by a put
// that was admitted before the delete.
func (g *Gateway) runMirror() {
	defer g.mirrorDone.Done()

	applied := make(map[string]uint64)
	for {
		select {
		case op := <-g.mirrorOps:
			g.applyMirror(op, applied)
		case <-g.stopped:
			for {
				select {
				case op := <-g.mirrorOps:
					g.applyMirror(op, applied)
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) applyMirror(op mirrorOp, applied map[string]uint64) {
	last, seen := applied[op.deviceID]
	if seen && (op.seq < last || (op.seq == last && !op.delete)) {
		return
	}
	applied[op.deviceID] = op.seq

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	logger := log.With().Str("device_id", op.deviceID).Uint64("sequence", op.seq).Logger()
	if op.delete {
		if err := g.mirror.DeleteLatest(ctx, op.deviceID); err != nil {
			logger.Debug().Err(err).Msg("Failed to remove mirrored state")
		}
		return
	}
	if err := g.mirror.PutLatest(ctx, op.snap); err != nil {
		logger.Debug().Err(err).Msg("Failed to mirror latest state")
	}
}

// mirrorLatest queues an accepted snapshot for the mirror. A full queue
// drops the update; the mirror is best effort.
func (g *Gateway) mirrorLatest(snap models.Snapshot) {
	if g.mirror == nil {
		return
	}
	select {
	case <-g.stopped:
	case g.mirrorOps <- mirrorOp{deviceID: snap.DeviceID, seq: snap.Sequence, snap: snap}:
	default:
		log.Debug().Str("device_id", snap.DeviceID).Msg("Mirror queue full, dropping update")
	}
}

// unmirror queues removal of a device's mirrored state
func (g *Gateway) unmirror(ctx context.Context, deviceID string, seq uint64) {
	if g.mirror == nil {
		return
	}
	select {
	case <-g.stopped:
	case <-ctx.Done():
		log.Debug().Err(ctx.Err()).Str("device_id", deviceID).Msg("Mirrored state not removed")
	case g.mirrorOps <- mirrorOp{deviceID: deviceID, seq: seq, delete: true}:
	}
}
