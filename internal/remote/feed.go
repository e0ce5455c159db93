package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/flowtrack/flowsync/internal/flowsync"
)

// ChangeNotification is one server-push message on the change feed.
type ChangeNotification struct {
	Type     string `json:"type"`
	EntityID string `json:"entityId,omitempty"`
}

// FeedOptions configures the change feed.
type FeedOptions struct {
	// URL is the websocket endpoint, e.g. wss://api.example.com/v1/changes.
	URL    string
	Token  TokenFunc
	Logger flowsync.Logger
	// OnOnline is invoked on every connectivity transition: true when the
	// socket comes up, false when it drops.
	OnOnline func(online bool)
	// OnChange is invoked for each change notification received while
	// connected.
	OnChange func(ChangeNotification)
	// Retry bounds the reconnect backoff. MaxRetries is ignored; the feed
	// reconnects until its context is cancelled.
	Retry flowsync.RetryPolicy
}

// ChangeFeed maintains a websocket to the backend. Its connection state is
// the sync core's connectivity signal: the socket coming up after being down
// is the offline-to-online transition that wakes the scheduler.
type ChangeFeed struct {
	opts   FeedOptions
	online atomic.Bool
}

func NewChangeFeed(opts FeedOptions) (*ChangeFeed, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, flowsync.ErrInvalidInput
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry = flowsync.RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute}
	}
	return &ChangeFeed{opts: opts}, nil
}

// Online reports whether the feed currently holds a live connection.
func (f *ChangeFeed) Online() bool {
	return f.online.Load()
}

// Run connects, reads notifications and reconnects with backoff until the
// context is cancelled.
func (f *ChangeFeed) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// A drop after a long-lived session starts backing off from
			// scratch, not from the cap.
			attempt = 0
		}
		attempt++
		delay := f.opts.Retry.Delay(attempt)
		f.opts.Logger.Printf("change feed disconnected (%v); reconnecting in %s", err, delay)
		if waitErr := f.opts.Retry.Wait(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

func (f *ChangeFeed) runConnection(ctx context.Context) (bool, error) {
	header := http.Header{}
	if f.opts.Token != nil {
		token, err := f.opts.Token(ctx)
		if err != nil {
			return false, err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, f.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.setOnline(true)
	defer f.setOnline(false)

	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			return true, readErr
		}
		var notification ChangeNotification
		if unmarshalErr := json.Unmarshal(data, &notification); unmarshalErr != nil {
			f.opts.Logger.Printf("change feed: unreadable notification: %v", unmarshalErr)
			continue
		}
		if f.opts.OnChange != nil {
			f.opts.OnChange(notification)
		}
	}
}

func (f *ChangeFeed) setOnline(online bool) {
	previous := f.online.Swap(online)
	if previous == online {
		return
	}
	if f.opts.OnOnline != nil {
		f.opts.OnOnline(online)
	}
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}
