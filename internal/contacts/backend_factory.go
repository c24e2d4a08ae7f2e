package contacts

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type RecordBackendFactory func(dsn string) (RecordBackend, error)

var recordBackendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RecordBackendFactory
}{
	factories: map[string]RecordBackendFactory{},
}

// RegisterRecordBackendFactory lets callers plug additional storage schemes
// into BuildRecordBackendFromDSN. Registered factories win over built-ins.
func RegisterRecordBackendFactory(scheme string, factory RecordBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	recordBackendRegistry.mu.Lock()
	defer recordBackendRegistry.mu.Unlock()
	recordBackendRegistry.factories[scheme] = factory
}

func lookupRecordBackendFactory(scheme string) (RecordBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	recordBackendRegistry.mu.RLock()
	defer recordBackendRegistry.mu.RUnlock()
	factory, ok := recordBackendRegistry.factories[scheme]
	return factory, ok
}

// BuildRecordBackendFromDSN picks a backend by DSN scheme. An empty DSN
// yields a nil backend, which keeps the store purely in memory.
func BuildRecordBackendFromDSN(dsn string) (RecordBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupRecordBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileRecordBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryRecordBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordBackend(dsn)
	case "sqlite", "sqlite3":
		return NewSQLiteRecordBackend(dsn)
	case "mysql":
		return NewMySQLRecordBackend(dsn)
	default:
		return nil, fmt.Errorf("%w: record backend %s", ErrNotImplemented, scheme)
	}
}

func BackendName(backend RecordBackend) string {
	switch b := backend.(type) {
	case nil:
		return "none"
	case *InMemoryRecordBackend:
		return "memory"
	case *JSONFileRecordBackend:
		return "file"
	case *SQLRecordBackend:
		return b.Dialect()
	default:
		return "custom"
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
