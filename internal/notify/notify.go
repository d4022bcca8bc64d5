package notify

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/events"
	"github.com/insightloop/insight-client/internal/metrics"
	"github.com/insightloop/insight-client/internal/rca"
)

// Package notify bridges investigation completion to the user. When desktop
// notification permission has been granted, a completion raises a desktop
// notification tagged by investigation id so repeat completions replace
// instead of stacking. Without permission it falls back to an in-app banner
// event. Clicking either surface re-opens the investigation's result view
// through the bus.

// Permission is the user's notification consent state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Notification is one user-facing notification.
type Notification struct {
	// Tag deduplicates: a notification with the same tag replaces the
	// previous one rather than stacking.
	Tag   string
	Title string
	Body  string

	// InvestigationID is carried through to the click event.
	InvestigationID string
}

// Notifier is the platform notification surface. Implementations must honor
// Tag-based replacement.
type Notifier interface {
	// Permission returns the current consent state.
	Permission() Permission

	// Notify displays the notification.
	Notify(n Notification) error
}

// Banner is the payload of events.BannerRequested, the in-app fallback when
// desktop permission is absent.
type Banner struct {
	Title           string
	Body            string
	InvestigationID string
}

// Click is the payload of events.NotificationClicked.
type Click struct {
	InvestigationID string
}

const completeTitle = "RCA Analysis Complete"

// bodyDescriptionLimit truncates the quoted problem description.
const bodyDescriptionLimit = 50

// Bridge connects investigation outcomes to the Notifier.
type Bridge struct {
	bus      *events.Bus
	notifier Notifier
	logger   *zap.Logger

	mu   sync.Mutex
	subs []*events.Subscription
}

// NewBridge creates the bridge and subscribes it to investigation
// completions. notifier may be nil, in which case every completion falls
// back to a banner.
func NewBridge(bus *events.Bus, notifier Notifier, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{bus: bus, notifier: notifier, logger: logger}
	b.subs = append(b.subs, bus.Subscribe(events.InvestigationCompleted, b.onCompleted))
	return b
}

// Close detaches the bridge from the bus.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.Unsubscribe()
	}
	b.subs = nil
}

func (b *Bridge) onCompleted(ev events.Event) {
	outcome, ok := ev.Payload.(rca.Outcome)
	if !ok {
		return
	}

	n := Notification{
		Tag:             "rca-complete-" + outcome.RequestID,
		Title:           completeTitle,
		Body:            completionBody(outcome.ProblemDescription),
		InvestigationID: outcome.RequestID,
	}

	if b.notifier != nil && b.notifier.Permission() == PermissionGranted {
		err := b.notifier.Notify(n)
		if err == nil {
			metrics.NotificationsDelivered.WithLabelValues("desktop").Inc()
			b.logger.Debug("desktop notification shown",
				zap.String("request_id", outcome.RequestID),
				zap.String("tag", n.Tag))
			return
		}
		b.logger.Warn("desktop notification failed, falling back to banner",
			zap.String("request_id", outcome.RequestID),
			zap.Error(err))
	}

	metrics.NotificationsDelivered.WithLabelValues("banner").Inc()
	b.bus.Publish(events.BannerRequested, Banner{
		Title:           n.Title,
		Body:            n.Body,
		InvestigationID: outcome.RequestID,
	})
}

// HandleClick is invoked by the platform layer when the user activates a
// notification or banner. It re-opens the investigation's result view.
func (b *Bridge) HandleClick(investigationID string) {
	b.bus.Publish(events.NotificationClicked, Click{InvestigationID: investigationID})
}

// completionBody quotes the problem description, truncated by rune so a
// multibyte description is never cut mid-character.
func completionBody(description string) string {
	runes := []rune(description)
	quoted := description
	if len(runes) > bodyDescriptionLimit {
		quoted = string(runes[:bodyDescriptionLimit]) + "..."
	}
	return fmt.Sprintf("Your root cause analysis for \"%s\" is ready to view.", quoted)
}
