package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/vmsnap-mcp/internal/safety"
	"github.com/jamesprial/vmsnap-mcp/internal/tools"
	"github.com/jamesprial/vmsnap-mcp/internal/vmconf"
)

// DestructiveTools lists the snapshot tools that require explicit
// confirmation before executing.
var DestructiveTools = []string{
	"snapshot_delete",
	"snapshot_rollback",
}

// snapshotInfo is the JSON shape returned by snapshot_list.
type snapshotInfo struct {
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Created        time.Time `json:"created"`
	HasState       bool      `json:"has_state"`
	RunningMachine string    `json:"running_machine,omitempty"`
	Volumes        int       `json:"volumes"`
}

// Tools returns the tool registrations for all snapshot MCP tools,
// wired to the provided Controller, config store, safety Filter,
// ConfirmationTracker, and AuditLogger.
func Tools(
	ctl *Controller,
	store vmconf.Store,
	filter *safety.Filter,
	confirm *safety.ConfirmationTracker,
	audit *safety.AuditLogger,
) []tools.Registration {
	return []tools.Registration{
		snapshotList(store, filter, audit),
		snapshotCreate(ctl, filter, audit),
		snapshotDelete(ctl, filter, confirm, audit),
		snapshotRollback(ctl, filter, confirm, audit),
		fleecingCleanup(ctl, filter, audit),
		volumeEligibility(ctl, store, filter, audit),
	}
}

func snapshotList(store vmconf.Store, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("snapshot_list",
		mcp.WithDescription("List the snapshots of a virtual machine."),
		mcp.WithString("vmid",
			mcp.Required(),
			mcp.Description("VM identifier"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetString("vmid", "")
		params := map[string]any{"vmid": vmid}

		if !filter.IsAllowed(vmid) {
			tools.LogAudit(audit, "snapshot_list", params, "denied", start)
			return tools.ErrorResult(fmt.Sprintf("access to VM %q is not allowed", vmid)), nil
		}

		cfg, err := store.Load(vmid)
		if err != nil {
			tools.LogAudit(audit, "snapshot_list", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		out := make([]snapshotInfo, 0, len(cfg.Snapshots))
		for name, snap := range cfg.Snapshots {
			out = append(out, snapshotInfo{
				Name:           name,
				Description:    snap.Description,
				Created:        snap.Created,
				HasState:       snap.VMState != "",
				RunningMachine: snap.RunningMachine,
				Volumes:        len(snap.Volumes),
			})
		}

		tools.LogAudit(audit, "snapshot_list", params, "ok", start)
		return tools.JSONResult(out), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func snapshotCreate(ctl *Controller, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("snapshot_create",
		mcp.WithDescription("Create a named snapshot of a virtual machine, optionally capturing live memory state."),
		mcp.WithString("vmid",
			mcp.Required(),
			mcp.Description("VM identifier"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Snapshot name"),
		),
		mcp.WithString("description",
			mcp.Description("Free-form snapshot description"),
		),
		mcp.WithBoolean("save_state",
			mcp.Description("Capture live memory/device state (running VMs only)"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetString("vmid", "")
		name := req.GetString("name", "")
		params := map[string]any{"vmid": vmid, "name": name}

		if !filter.IsAllowed(vmid) {
			tools.LogAudit(audit, "snapshot_create", params, "denied", start)
			return tools.ErrorResult(fmt.Sprintf("access to VM %q is not allowed", vmid)), nil
		}

		opts := CreateOptions{
			Description: req.GetString("description", ""),
			SaveState:   req.GetBool("save_state", false),
		}
		if err := ctl.Create(ctx, vmid, name, opts); err != nil {
			tools.LogAudit(audit, "snapshot_create", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "snapshot_create", params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("snapshot %q of VM %q created successfully", name, vmid)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func snapshotDelete(ctl *Controller, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "snapshot_delete"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Delete a named snapshot of a virtual machine. Requires confirmation."),
		mcp.WithString("vmid",
			mcp.Required(),
			mcp.Description("VM identifier"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Snapshot name"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Proceed past storage free failures, logging them instead of aborting"),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetString("vmid", "")
		name := req.GetString("name", "")
		force := req.GetBool("force", false)
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"vmid": vmid, "name": name, "force": force}

		if !filter.IsAllowed(vmid) {
			tools.LogAudit(audit, toolName, params, "denied", start)
			return tools.ErrorResult(fmt.Sprintf("access to VM %q is not allowed", vmid)), nil
		}

		if !confirm.Confirm(token) {
			desc := fmt.Sprintf("This will permanently delete snapshot %q of VM %q, including its saved state.", name, vmid)
			return tools.ConfirmPrompt(confirm, toolName, vmid, desc), nil
		}

		if err := ctl.Delete(ctx, vmid, name, force); err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("snapshot %q of VM %q deleted successfully", name, vmid)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func snapshotRollback(ctl *Controller, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	const toolName = "snapshot_rollback"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Roll a virtual machine back to a named snapshot, discarding all changes since. Requires confirmation."),
		mcp.WithString("vmid",
			mcp.Required(),
			mcp.Description("VM identifier"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Snapshot name"),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetString("vmid", "")
		name := req.GetString("name", "")
		token := req.GetString("confirmation_token", "")
		params := map[string]any{"vmid": vmid, "name": name}

		if !filter.IsAllowed(vmid) {
			tools.LogAudit(audit, toolName, params, "denied", start)
			return tools.ErrorResult(fmt.Sprintf("access to VM %q is not allowed", vmid)), nil
		}

		if !confirm.Confirm(token) {
			desc := fmt.Sprintf("This will STOP VM %q and discard every change made since snapshot %q. Data written since then is lost.", vmid, name)
			return tools.ConfirmPrompt(confirm, toolName, vmid, desc), nil
		}

		if err := ctl.Rollback(ctx, vmid, name); err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("VM %q rolled back to snapshot %q", vmid, name)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// volumeEligibilityInfo is the JSON shape returned per volume by
// volume_eligibility.
type volumeEligibilityInfo struct {
	Slot            string `json:"slot"`
	Volume          string `json:"volume"`
	BackupIncluded  bool   `json:"backup_included"`
	BackupReason    string `json:"backup_reason"`
	Replicable      bool   `json:"replicable"`
	ReplicationNote string `json:"replication_note,omitempty"`
}

func volumeEligibility(ctl *Controller, store vmconf.Store, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("volume_eligibility",
		mcp.WithDescription("Report per-volume backup and replication eligibility for a virtual machine."),
		mcp.WithString("vmid",
			mcp.Required(),
			mcp.Description("VM identifier"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetString("vmid", "")
		params := map[string]any{"vmid": vmid}

		if !filter.IsAllowed(vmid) {
			tools.LogAudit(audit, "volume_eligibility", params, "denied", start)
			return tools.ErrorResult(fmt.Sprintf("access to VM %q is not allowed", vmid)), nil
		}

		cfg, err := store.Load(vmid)
		if err != nil {
			tools.LogAudit(audit, "volume_eligibility", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		out := make([]volumeEligibilityInfo, 0, len(cfg.Volumes))
		for _, slot := range vmconf.SortedSlots(cfg.Volumes) {
			vol := cfg.Volumes[slot]
			info := volumeEligibilityInfo{Slot: slot, Volume: vol.Volume}
			if info.Volume == "" {
				info.Volume = vol.Path
			}
			info.BackupIncluded, info.BackupReason = BackupEligibility(slot, vol, cfg.BIOS)

			replicable, rerr := IsReplicable(ctx, ctl.backend, vmid, slot, vol, false)
			switch {
			case rerr == nil:
				info.Replicable = replicable
			case IsPolicyViolation(rerr):
				info.ReplicationNote = rerr.Error()
			default:
				tools.LogAudit(audit, "volume_eligibility", params, "error: "+rerr.Error(), start)
				return tools.ErrorResult(rerr.Error()), nil
			}
			out = append(out, info)
		}

		tools.LogAudit(audit, "volume_eligibility", params, "ok", start)
		return tools.JSONResult(out), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func fleecingCleanup(ctl *Controller, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool("fleecing_cleanup",
		mcp.WithDescription("Release ephemeral fleecing images left behind by backup runs."),
		mcp.WithString("vmid",
			mcp.Required(),
			mcp.Description("VM identifier"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		vmid := req.GetString("vmid", "")
		params := map[string]any{"vmid": vmid}

		if !filter.IsAllowed(vmid) {
			tools.LogAudit(audit, "fleecing_cleanup", params, "denied", start)
			return tools.ErrorResult(fmt.Sprintf("access to VM %q is not allowed", vmid)), nil
		}

		if err := ctl.CleanupFleecingImages(ctx, vmid); err != nil {
			tools.LogAudit(audit, "fleecing_cleanup", params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, "fleecing_cleanup", params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("fleecing cleanup for VM %q completed", vmid)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
