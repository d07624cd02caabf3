package authority

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kilocode/sessioncore/internal/common/logger"
	"github.com/kilocode/sessioncore/internal/execution"
	"github.com/kilocode/sessioncore/internal/queue"
	"github.com/kilocode/sessioncore/internal/storage"
)

// Authority is the Session Authority (C6): the single-writer owner of every
// session's metadata, active-execution pointer, and dispatch queue.
type Authority struct {
	store      *storage.Store
	executions *execution.Registry
	queue      *queue.Queue
	sender     Sender
	notifier   StatusNotifier
	commander  Commander
	logger     *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds an Authority over the given storage and dispatch dependencies.
// notifier and commander may be nil; a nil notifier silently skips callback
// notification, a nil commander makes InterruptExecution report failure.
func New(store *storage.Store, executions *execution.Registry, q *queue.Queue, sender Sender, notifier StatusNotifier, commander Commander, log *logger.Logger) *Authority {
	return &Authority{
		store:      store,
		executions: executions,
		queue:      q,
		sender:     sender,
		notifier:   notifier,
		commander:  commander,
		logger:     log.WithFields(zap.String("component", "session-authority")),
		locks:      make(map[string]*sync.Mutex),
	}
}

// sessionLock returns (creating if necessary) the mutex serializing every
// operation against one session. This is the single-writer guarantee: every
// exported Authority method holds this lock for its entire duration,
// including any suspension points such as the external queue send inside
// tryAdvanceQueueInternal.
func (a *Authority) sessionLock(sessionID string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	l, ok := a.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[sessionID] = l
	}
	return l
}

// forgetLock drops a session's lock entry once the session is deleted, so
// the map doesn't grow without bound. Safe to call while no goroutine holds
// the lock (DeleteSession calls it after releasing).
func (a *Authority) forgetLock(sessionID string) {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	delete(a.locks, sessionID)
}
