// Package diagnostics renders a plain text report about the engine and the
// host it runs on, for attaching to support requests.
package diagnostics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"emperror.dev/errors"
	"gopkg.in/yaml.v2"

	"github.com/priyxstudio/franchise/config"
	"github.com/priyxstudio/franchise/internal/models"
	"github.com/priyxstudio/franchise/modules"
	"github.com/priyxstudio/franchise/store"
	"github.com/priyxstudio/franchise/system"
)

// Sources are the read-only views the report is built from.
type Sources struct {
	Config        *config.Configuration
	Installations modules.Store
	Syncs         interface {
		List(ctx context.Context) ([]models.RuleSync, error)
	}
	Notifications interface {
		Notifications(ctx context.Context, f store.NotificationFilter) ([]models.Notification, error)
	}
}

// GenerateReport renders the report. Host statistics that cannot be read are
// reported inline instead of failing the report.
func GenerateReport(ctx context.Context, src Sources, includeNotifications int) (string, error) {
	var b strings.Builder

	section(&b, "Versions")
	fmt.Fprintf(&b, "franchise: %s\n", system.Version)

	section(&b, "Host")
	if info, err := system.GetSystemInformation(ctx); err != nil {
		fmt.Fprintf(&b, "unavailable: %s\n", err)
	} else {
		fmt.Fprintf(&b, "os: %s (%s/%s)\nkernel: %s\ncpu threads: %d\nmemory: %s\n",
			info.System.OS, info.System.OSType, info.System.Architecture, info.System.KernelVersion,
			info.System.CPUThreads, bytes(info.System.MemoryBytes))
	}
	if u, err := system.GetSystemUtilization(ctx, src.Config.System.RootDirectory, src.Config.System.LogDirectory); err != nil {
		fmt.Fprintf(&b, "utilization unavailable: %s\n", err)
	} else {
		fmt.Fprintf(&b, "memory used: %.1f%%\nload: %.2f %.2f %.2f\ndisk: %s of %s\n",
			u.MemoryPercent, u.LoadAvg1, u.LoadAvg5, u.LoadAvg15, bytes(u.DiskUsed), bytes(u.DiskTotal))
	}

	section(&b, "Configuration")
	redacted := *src.Config
	if redacted.Cache.Redis.Password != "" {
		redacted.Cache.Redis.Password = "{redacted}"
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", errors.Wrap(err, "diagnostics: failed to render configuration")
	}
	b.Write(out)

	section(&b, "Installations")
	installs, err := src.Installations.List(ctx, modules.Filter{})
	if err != nil {
		return "", errors.WithMessage(err, "diagnostics: failed to list installations")
	}
	counts := make(map[modules.Status]int)
	for _, i := range installs {
		counts[i.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Fprintf(&b, "total: %d\n", len(installs))
	for _, s := range statuses {
		fmt.Fprintf(&b, "%s: %d\n", s, counts[modules.Status(s)])
	}
	for _, i := range installs {
		if i.Status.IsSideState() {
			fmt.Fprintf(&b, "  %s in %s is %s: %s\n", i.ModuleID, i.Scope, i.Status, i.StatusReason)
		}
	}

	section(&b, "Batch rules")
	syncs, err := src.Syncs.List(ctx)
	if err != nil {
		return "", errors.WithMessage(err, "diagnostics: failed to list rule sync state")
	}
	if len(syncs) == 0 {
		b.WriteString("no batch rule has run\n")
	}
	for _, s := range syncs {
		fmt.Fprintf(&b, "%s: runs=%d failures=%d last_sync=%s", s.RuleID, s.Runs, s.Failures, timestamp(s.LastSyncTime))
		if s.LastError != "" {
			fmt.Fprintf(&b, " last_error=%q", s.LastError)
		}
		b.WriteByte('\n')
	}

	if includeNotifications > 0 {
		section(&b, "Notifications")
		notes, err := src.Notifications.Notifications(ctx, store.NotificationFilter{Limit: includeNotifications})
		if err != nil {
			return "", errors.WithMessage(err, "diagnostics: failed to list notifications")
		}
		for _, n := range notes {
			fmt.Fprintf(&b, "%s [%s] %s: %s\n", timestamp(n.CreatedAt), n.Level, n.Title, n.Message)
		}
	}
	return b.String(), nil
}

func section(b *strings.Builder, title string) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	fmt.Fprintf(b, "|\n| %s\n| ------------------------------\n", title)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func bytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
