package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mwinters/roadlog/internal/server/store"
)

// Notifier fans nudges out to every registered device of an account and
// runs the periodic expiry-reminder sweep. Registrations that the push
// service reports gone are dropped on the spot.
type Notifier struct {
	mu            sync.RWMutex
	service       *Service
	push          *store.PushStore
	subscriptions *store.SubscriptionStore
	interval      time.Duration
	reminderLead  time.Duration
	logger        *slog.Logger
	cancel        context.CancelFunc
	done          chan struct{}
}

func NewNotifier(svc *Service, pushStore *store.PushStore, subStore *store.SubscriptionStore, logger *slog.Logger) *Notifier {
	return &Notifier{
		service:       svc,
		push:          pushStore,
		subscriptions: subStore,
		interval:      24 * time.Hour,
		reminderLead:  72 * time.Hour,
		logger:        logger,
	}
}

// Start begins the expiry-reminder loop.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	n.mu.Unlock()

	go func() {
		defer close(n.done)
		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.tick()
			}
		}
	}()
}

// Stop gracefully stops the reminder loop.
func (n *Notifier) Stop() {
	n.mu.RLock()
	cancel := n.cancel
	done := n.done
	n.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// NotifyAccount sends one payload to every registered endpoint of the
// account. Send failures other than expiry are logged, not returned;
// a nudge is best-effort by contract.
func (n *Notifier) NotifyAccount(accountID int64, payload Payload) {
	subs, err := n.push.ListByAccount(accountID)
	if err != nil {
		n.logger.Error("list push subscriptions", "account_id", accountID, "error", err)
		return
	}

	for i := range subs {
		if err := n.service.Send(&subs[i], payload); err != nil {
			if errors.Is(err, ErrExpired) {
				if err := n.push.DeleteByEndpoint(subs[i].Endpoint); err != nil {
					n.logger.Error("drop expired push subscription", "error", err)
				}
				continue
			}
			n.logger.Error("send push", "account_id", accountID, "error", err)
		}
	}
}

func (n *Notifier) tick() {
	now := time.Now().UTC()
	subs, err := n.subscriptions.ListExpiringBetween(now, now.Add(n.reminderLead))
	if err != nil {
		n.logger.Error("list expiring subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		deadline := sub.ExpiresAt
		if deadline == nil {
			deadline = sub.TrialEndsAt
		}
		if deadline == nil {
			continue
		}
		days := int(deadline.Sub(now).Hours()/24) + 1

		n.NotifyAccount(sub.AccountID, Payload{
			Title: "Subscription expiring",
			Body:  fmt.Sprintf("Your access ends in %d day(s). Renew to keep syncing.", days),
			URL:   "/account",
			Tag:   fmt.Sprintf("expiry-%s", deadline.Format("2006-01-02")),
		})
	}
}
