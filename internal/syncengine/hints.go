package syncengine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/mwinters/roadlog/internal/protocol"
)

// HintListener holds a websocket open to the server and triggers an
// immediate sync cycle whenever a hint arrives. Losing the connection
// only loses immediacy; the periodic cycle still covers correctness.
type HintListener struct {
	mu      sync.RWMutex
	baseURL string
	token   string
	engine  *Engine
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHintListener(baseURL, token string, engine *Engine, logger *slog.Logger) *HintListener {
	return &HintListener{
		baseURL: baseURL,
		token:   token,
		engine:  engine,
		logger:  logger,
	}
}

// Start begins the connect-and-listen loop.
func (l *HintListener) Start(ctx context.Context) {
	l.mu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	l.mu.Unlock()

	go func() {
		defer close(l.done)
		l.run(ctx)
	}()
}

// Stop gracefully stops the listener.
func (l *HintListener) Stop() {
	l.mu.RLock()
	cancel := l.cancel
	done := l.done
	l.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (l *HintListener) run(ctx context.Context) {
	backoff := retry.WithCappedDuration(time.Minute, retry.NewExponential(time.Second))

	for {
		if ctx.Err() != nil {
			return
		}

		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := l.listen(ctx); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			l.logger.Warn("hint listener stopped", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// listen dials the hint endpoint and blocks reading messages until the
// connection drops.
func (l *HintListener) listen(ctx context.Context) error {
	url := wsURL(l.baseURL) + "/v1/ws"

	conn, _, err := ws.Dial(ctx, url, &ws.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + l.token}},
	})
	if err != nil {
		return err
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	l.logger.Debug("hint channel connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var hint protocol.HintMessage
		if err := json.Unmarshal(data, &hint); err != nil {
			l.logger.Warn("malformed hint", "error", err)
			continue
		}
		if hint.Type != "sync" {
			continue
		}

		if err := l.engine.SyncNow(ctx); err != nil {
			l.logger.Warn("hinted sync failed", "error", err)
		}
	}
}

func wsURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
