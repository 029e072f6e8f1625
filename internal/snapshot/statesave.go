package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/jamesprial/vmsnap-mcp/internal/monitor"
	"github.com/jamesprial/vmsnap-mcp/internal/storage"
)

const (
	// savePollInterval is the cadence of status queries while a save
	// is in flight.
	savePollInterval = time.Second

	// saveProgressFullTicks is how many initial ticks report progress
	// on every poll; after that, reporting throttles to every
	// saveProgressThrottle ticks so long saves do not flood the log.
	saveProgressFullTicks = 60
	saveProgressThrottle  = 10

	// stateReserveMB is the fixed reserve added to the state volume
	// for internal driver/device state.
	stateReserveMB = 500
)

// StateVolumeSizeMB computes the destination volume size for a live
// state save: double the current memory size plus a fixed reserve. The
// save streams memory while the VM keeps running until remaining free
// space equals remaining memory, then pauses to flush the rest, so the
// doubling bounds downtime.
func StateVolumeSizeMB(memoryMB int64) int64 {
	return 2*memoryMB + stateReserveMB
}

// StateSaver drives the asynchronous "save running VM state to a
// volume" protocol to completion.
type StateSaver struct {
	channel monitor.Channel
	backend storage.Backend
	clock   Clock
	log     logr.Logger
}

// NewStateSaver returns a StateSaver using the given collaborators.
func NewStateSaver(channel monitor.Channel, backend storage.Backend, clock Clock, log logr.Logger) *StateSaver {
	return &StateSaver{channel: channel, backend: backend, clock: clock, log: log}
}

// Begin issues the single "begin save" request. With a statePath the
// save captures memory and device state into it; without one only
// device state is captured (a pure suspend-to-disk style operation).
func (s *StateSaver) Begin(ctx context.Context, vmid, statePath string) error {
	var args map[string]any
	if statePath != "" {
		args = map[string]any{"statefile": statePath}
	}
	if _, err := s.channel.Send(ctx, vmid, "savevm-start", args); err != nil {
		return fmt.Errorf("begin state save for vm %s: %w", vmid, err)
	}
	return nil
}

// Wait polls the save status on a fixed cadence until the channel
// reports completion or failure, emitting progress along the way. It
// returns the volume identifier that was passed in once the save
// completes.
//
// The very first status must be "active" or already terminal: a save
// that finishes within the first poll interval reports "completed"
// straight away and is accepted, while an unrecognized first status
// means the channel rejected the request and Wait dies immediately. A
// reported "failed" carries the channel's message; an unrecognized or
// missing status on a later poll is a protocol error.
func (s *StateSaver) Wait(ctx context.Context, vmid, volid string) (string, error) {
	started := s.clock.Now()

	for tick := 0; ; tick++ {
		status, err := s.queryStatus(ctx, vmid)
		if err != nil {
			return "", err
		}

		if tick == 0 {
			switch status.state {
			case "active", "completed", "failed":
			default:
				return "", &monitor.Error{VMID: vmid, Command: "query-savevm", Message: "state save never became active"}
			}
		}

		switch status.state {
		case "active":
			if tick < saveProgressFullTicks || tick%saveProgressThrottle == 0 {
				s.log.Info("state save progress",
					"vmid", vmid,
					"bytes", status.bytes,
					"elapsed", s.clock.Now().Sub(started).Round(time.Second).String(),
				)
			}
			s.clock.Sleep(savePollInterval)

		case "completed":
			s.log.Info("state save completed",
				"vmid", vmid,
				"bytes", status.bytes,
				"duration", s.clock.Now().Sub(started).Round(time.Second).String(),
			)
			return volid, nil

		case "failed":
			return "", &monitor.Error{VMID: vmid, Command: "query-savevm", Message: status.errMessage}

		default:
			return "", &monitor.Error{
				VMID:    vmid,
				Command: "query-savevm",
				Message: fmt.Sprintf("unexpected save status %q", status.state),
			}
		}
	}
}

// WaitPendingDrain polls the save status until the channel reports zero
// bytes pending, without interpreting status beyond that. It is used
// when the caller freezes guest filesystems around the save and only
// needs the stream to settle.
func (s *StateSaver) WaitPendingDrain(ctx context.Context, vmid string) error {
	for {
		status, err := s.queryStatus(ctx, vmid)
		if err != nil {
			return err
		}
		if status.pending <= 0 {
			return nil
		}
		s.clock.Sleep(savePollInterval)
	}
}

// End issues the independent "end" phase after a save completed or was
// abandoned. It is best-effort: failures are logged, never returned.
// When the phase includes a destination volume it is deactivated as
// well.
func (s *StateSaver) End(ctx context.Context, vmid, volid string) {
	if _, err := s.channel.Send(ctx, vmid, "savevm-end", nil); err != nil {
		s.log.Info("state save end failed, continuing", "vmid", vmid, "error", err.Error())
	}
	if volid != "" {
		if err := s.backend.Deactivate(ctx, volid); err != nil {
			s.log.Info("state volume deactivate failed, continuing", "vmid", vmid, "volume", volid, "error", err.Error())
		}
	}
}

// saveStatus is the decoded result of one status query.
type saveStatus struct {
	state      string
	bytes      int64
	pending    int64
	errMessage string
}

// queryStatus issues one status query and decodes the fields the
// driver cares about. A response without a status field is a protocol
// error.
func (s *StateSaver) queryStatus(ctx context.Context, vmid string) (saveStatus, error) {
	resp, err := s.channel.Send(ctx, vmid, "query-savevm", nil)
	if err != nil {
		return saveStatus{}, fmt.Errorf("query state save for vm %s: %w", vmid, err)
	}

	fields, ok := resp.(map[string]any)
	if !ok {
		return saveStatus{}, &monitor.Error{VMID: vmid, Command: "query-savevm", Message: "malformed status response"}
	}

	state, ok := fields["status"].(string)
	if !ok {
		return saveStatus{}, &monitor.Error{VMID: vmid, Command: "query-savevm", Message: "status missing from response"}
	}

	st := saveStatus{state: state}
	st.bytes = asInt64(fields["bytes"])
	st.pending = asInt64(fields["pend"])
	if msg, ok := fields["error"].(string); ok {
		st.errMessage = msg
	} else {
		st.errMessage = "state save failed"
	}
	return st, nil
}

// asInt64 coerces the numeric types json decoding produces.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
