package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tigerroll/ephemeral/pkg/trainer/adapter/database"
	"github.com/tigerroll/ephemeral/pkg/trainer/core/metrics"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/exception"
	"github.com/tigerroll/ephemeral/pkg/trainer/support/util/logger"
)

const (
	module          = "ephemeral"
	maxNameAttempts = 8
)

// Manager creates and destroys ephemeral resources on one backend and keeps
// track of every handle it returned until that handle is torn down.
type Manager struct {
	backend  database.Backend
	recorder metrics.MetricRecorder
	nameFunc func(prefix string) (string, error)

	mu          sync.Mutex
	live        map[string]*Handle
	reserved    map[string]struct{}
	orphaned    []*Handle
	provisioned int
	tornDown    int
}

// NewManager creates a Manager for backend.
func NewManager(backend database.Backend, recorder metrics.MetricRecorder) *Manager {
	if recorder == nil {
		recorder = metrics.NewNoOpMetricRecorder()
	}
	return &Manager{
		backend:  backend,
		recorder: recorder,
		nameFunc: generateName,
		live:     make(map[string]*Handle),
		reserved: make(map[string]struct{}),
	}
}

// Provision creates a resource named <prefix>_<random suffix>. For networked
// backends it also creates a login with a generated password that can reach
// the new resource only. Any partially created resource is torn down before
// the ProvisionError is returned.
func (m *Manager) Provision(ctx context.Context, prefix string) (*Handle, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, exception.New(exception.ErrProvision, module, "invalid prefix", err)
	}
	name, err := m.reserveName(prefix)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		Name:      name,
		Locator:   m.backend.Locate(name),
		CreatedAt: time.Now(),
		Backend:   m.backend.Kind(),
	}
	if h.Backend.Networked() {
		password, err := generatePassword()
		if err != nil {
			m.release(name)
			return nil, exception.New(exception.ErrProvision, module, "cannot generate credential", err)
		}
		h.Credential = &database.Credential{User: database.CredentialUser(name), Password: password}
	}

	if err := m.backend.CreateResource(ctx, h.Resource()); err != nil {
		m.recorder.RecordResource(ctx, h.Backend.String(), metrics.OpProvision, "failure")
		logger.Warnf("Provisioning %s failed, removing partial resource: %v", h, err)
		m.dropPartial(ctx, h)
		m.release(name)
		return nil, exception.Newf(exception.ErrProvision, module, "provision %s", name, err)
	}

	m.mu.Lock()
	delete(m.reserved, name)
	m.live[name] = h
	m.provisioned++
	m.mu.Unlock()

	m.recorder.RecordResource(ctx, h.Backend.String(), metrics.OpProvision, "success")
	logger.Infof("Provisioned ephemeral resource %s.", h)
	return h, nil
}

// reserveName returns a generated name that is neither live nor being provisioned.
func (m *Manager) reserveName(prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name, err := m.nameFunc(prefix)
		if err != nil {
			return "", exception.New(exception.ErrProvision, module, "cannot generate name", err)
		}
		_, isLive := m.live[name]
		_, isReserved := m.reserved[name]
		if !isLive && !isReserved {
			m.reserved[name] = struct{}{}
			return name, nil
		}
		logger.Warnf("Generated resource name %s collides with a live resource, regenerating.", name)
	}
	return "", exception.Newf(exception.ErrProvision, module, "no unique name after %d attempts", maxNameAttempts)
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	delete(m.reserved, name)
	m.mu.Unlock()
}

// dropPartial removes whatever CreateResource managed to create. It runs even
// when ctx is already cancelled.
func (m *Manager) dropPartial(ctx context.Context, h *Handle) {
	err := m.backend.DropResource(context.WithoutCancel(ctx), h.Name)
	switch {
	case err == nil:
		logger.Infof("Removed partially provisioned resource %s.", h)
	case errors.Is(err, exception.ErrResourceNotFound):
		logger.Debugf("Nothing to remove for %s: %v", h, err)
	default:
		logger.Errorf("Partially provisioned resource %s could not be removed and needs manual cleanup: %v", h, err)
		m.mu.Lock()
		m.orphaned = append(m.orphaned, h)
		m.mu.Unlock()
	}
}

// Teardown destroys the resource behind h. It is never cancelled by ctx, is
// idempotent, and treats a resource that no longer exists as torn down.
// A failure is logged and returned as TeardownError for the caller to log;
// it must not be escalated.
func (m *Manager) Teardown(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	if _, ok := m.live[h.Name]; !ok {
		m.mu.Unlock()
		logger.Debugf("Resource %s already torn down.", h)
		return nil
	}
	delete(m.live, h.Name)
	m.tornDown++
	m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	backend := h.Backend.String()
	err := m.backend.DropResource(ctx, h.Name)
	switch {
	case err == nil:
		m.recorder.RecordResource(ctx, backend, metrics.OpTeardown, "success")
		logger.Infof("Tore down ephemeral resource %s.", h)
		return nil
	case errors.Is(err, exception.ErrResourceNotFound):
		m.recorder.RecordResource(ctx, backend, metrics.OpTeardown, "not_found")
		logger.Debugf("Resource %s was already gone: %v", h, err)
		return nil
	default:
		m.recorder.RecordResource(ctx, backend, metrics.OpTeardown, "failure")
		m.mu.Lock()
		m.orphaned = append(m.orphaned, h)
		m.mu.Unlock()
		terr := exception.Newf(exception.ErrTeardown, module, "teardown %s", h.Name, err)
		logger.Errorf("Ephemeral resource %s was not removed and needs manual cleanup: %v", h, terr)
		return terr
	}
}

// WithResource provisions a resource, runs fn with it and tears it down on
// every exit path, including a panic in fn or cancellation of ctx.
func (m *Manager) WithResource(ctx context.Context, prefix string, fn func(ctx context.Context, h *Handle) error) error {
	h, err := m.Provision(ctx, prefix)
	if err != nil {
		return err
	}
	defer func() {
		// The error is already logged by Teardown.
		_ = m.Teardown(context.WithoutCancel(ctx), h)
	}()
	return fn(ctx, h)
}

// Stats returns the number of handles provisioned and torn down so far.
func (m *Manager) Stats() (provisioned, tornDown int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provisioned, m.tornDown
}

// Leaked returns the handles that were never torn down plus those whose
// teardown failed.
func (m *Manager) Leaked() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.live)+len(m.orphaned))
	for _, h := range m.live {
		out = append(out, h)
	}
	return append(out, m.orphaned...)
}

// Close logs every leaked handle. It returns an error when there is any.
func (m *Manager) Close() error {
	leaked := m.Leaked()
	if len(leaked) == 0 {
		return nil
	}
	for _, h := range leaked {
		logger.Errorf("LEAKED ephemeral resource %s on %s (created %s).", h, h.Backend, h.CreatedAt.Format(time.RFC3339))
	}
	return fmt.Errorf("%d ephemeral resource(s) leaked", len(leaked))
}
