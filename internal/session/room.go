package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultCommandTimeout = 30 * time.Second

// RoomCommands are the hub commands the coordinator issues.
type RoomCommands interface {
	JoinRoom(ctx context.Context, conversationID string) error
	LeaveRoom(ctx context.Context, conversationID string) error
}

// Membership is told which conversation is joined.
type Membership interface {
	Activate(conversationID string)
	Deactivate()
}

// RoomCoordinatorOpts holds parameters for creating a RoomCoordinator.
type RoomCoordinatorOpts struct {
	Commands   RoomCommands
	Membership Membership
	Logger     *zap.Logger
	// CommandTimeout bounds each join and leave; defaults to 30s.
	CommandTimeout time.Duration
}

// RoomCoordinator owns the single joined-room slot. A single reconciler
// goroutine drives the slot toward the most recently requested
// conversation, always leaving the joined room before joining another.
// Requests made while it runs are coalesced.
type RoomCoordinator struct {
	cmds    RoomCommands
	members Membership
	log     *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	desired string
	active  string
	running bool
	rejoin  bool // a reconnect happened while the reconciler ran
	waiters []*roomWaiter
}

type roomWaiter struct {
	target string
	done   chan error
}

// NewRoomCoordinator creates an idle RoomCoordinator.
func NewRoomCoordinator(opts RoomCoordinatorOpts) (*RoomCoordinator, error) {
	if opts.Commands == nil {
		return nil, fmt.Errorf("session: room commands are required")
	}
	if opts.Membership == nil {
		return nil, fmt.Errorf("session: membership is required")
	}
	c := &RoomCoordinator{
		cmds:    opts.Commands,
		members: opts.Membership,
		log:     opts.Logger,
		timeout: opts.CommandTimeout,
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.timeout <= 0 {
		c.timeout = defaultCommandTimeout
	}
	return c, nil
}

// Active returns the joined conversation id, or "".
func (c *RoomCoordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Open makes conversationID the joined room and waits for the outcome.
// It returns ErrSuperseded if a later Open replaced the target before it
// settled. Cancelling ctx stops the wait, not the navigation.
func (c *RoomCoordinator) Open(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.desired = conversationID
	if !c.running && c.active == conversationID {
		c.mu.Unlock()
		return nil
	}
	w := &roomWaiter{target: conversationID, done: make(chan error, 1)}
	c.waiters = append(c.waiters, w)
	if !c.running {
		c.running = true
		go c.reconcile()
	}
	c.mu.Unlock()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close leaves the joined room, if any.
func (c *RoomCoordinator) Close(ctx context.Context) error {
	return c.Open(ctx, "")
}

// Rejoin re-issues the join for the active room after a reconnect. The
// local message log is left untouched. On failure the slot is cleared.
// While the reconciler runs, the join is deferred until it settles.
func (c *RoomCoordinator) Rejoin(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.rejoin = true
		c.mu.Unlock()
		return nil
	}
	if c.active == "" {
		c.mu.Unlock()
		return nil
	}
	target := c.active
	c.running = true
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.cmds.JoinRoom(cctx, target)
	cancel()

	if err != nil {
		c.log.Warn("rejoin failed", zap.String("conversation", target), zap.Error(err))
		c.mu.Lock()
		if c.active == target {
			c.active = ""
		}
		if c.desired == target {
			c.desired = ""
		}
		c.mu.Unlock()
		c.members.Deactivate()
	} else {
		c.log.Debug("rejoined room", zap.String("conversation", target))
	}

	// Requests that arrived meanwhile are served by this goroutine.
	c.reconcile()
	if err != nil {
		return fmt.Errorf("session: rejoin %s: %w", target, err)
	}
	return nil
}

// reconcile runs until the active room matches the desired one.
func (c *RoomCoordinator) reconcile() {
	for {
		c.mu.Lock()
		desired, active := c.desired, c.active
		if desired == active && c.rejoin && active != "" {
			c.rejoin = false
			c.mu.Unlock()
			if err := c.join(active); err != nil {
				c.log.Warn("rejoin failed", zap.String("conversation", active), zap.Error(err))
				c.mu.Lock()
				c.active = ""
				if c.desired == active {
					c.desired = ""
					c.resolveLocked(active, err)
				}
				c.mu.Unlock()
				c.members.Deactivate()
			}
			continue
		}
		if desired == active {
			c.rejoin = false
			c.running = false
			c.settleLocked()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if active != "" {
			c.members.Deactivate()
			if err := c.leave(active); err != nil {
				c.log.Warn("leave failed", zap.String("conversation", active), zap.Error(err))
			}
			c.mu.Lock()
			c.active = ""
			c.mu.Unlock()
			continue
		}

		err := c.join(desired)
		c.mu.Lock()
		if err != nil {
			c.log.Warn("join failed", zap.String("conversation", desired), zap.Error(err))
			if c.desired == desired {
				c.desired = ""
				c.resolveLocked(desired, err)
			}
			c.mu.Unlock()
			continue
		}
		c.active = desired
		c.mu.Unlock()
		c.members.Activate(desired)
	}
}

func (c *RoomCoordinator) join(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.cmds.JoinRoom(ctx, id)
}

func (c *RoomCoordinator) leave(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.cmds.LeaveRoom(ctx, id)
}

// settleLocked answers every waiter once the slot is stable.
func (c *RoomCoordinator) settleLocked() {
	for _, w := range c.waiters {
		if w.target == c.active {
			w.done <- nil
		} else {
			w.done <- ErrSuperseded
		}
	}
	c.waiters = nil
}

// resolveLocked answers the waiters for target with err.
func (c *RoomCoordinator) resolveLocked(target string, err error) {
	keep := c.waiters[:0]
	for _, w := range c.waiters {
		if w.target == target {
			w.done <- err
		} else {
			keep = append(keep, w)
		}
	}
	c.waiters = keep
}
