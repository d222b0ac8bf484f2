package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/env"
	"github.com/gdbrns/go-whatsapp-fallback-rest-api/pkg/log"
)

// The driver persists credentials per tenant. With the default sqlite3
// datastore every tenant gets its own database file under SESSION_PATH; with
// postgres all tenants share one store and a routing table maps tenant
// identifiers to their paired device.
var (
	datastoreMu     sync.RWMutex
	datastoreReady  bool
	datastoreDriver string
	datastoreDSN    string
	sessionPath     string

	sharedDatastore *sqlstore.Container
	routingDB       *sql.DB
)

const createTenantDeviceTable = `
CREATE TABLE IF NOT EXISTS tenant_device (
	tenant_id  TEXT PRIMARY KEY,
	device_jid TEXT NOT NULL
)`

// InitDatastore prepares the credential store. Called once at startup; a
// failure leaves the driver unconfigured (surfaced via /health) rather than
// killing the process.
func InitDatastore(ctx context.Context) error {
	datastoreMu.Lock()
	defer datastoreMu.Unlock()

	sessionPath = env.GetEnvStringOrDefault("SESSION_PATH", "./.wa_sessions")
	datastoreDriver = normalizeDatastoreDriver(env.GetEnvStringOrDefault("WHATSAPP_DATASTORE_TYPE", "sqlite3"))

	switch datastoreDriver {
	case "sqlite3":
		if err := os.MkdirAll(sessionPath, 0o755); err != nil {
			return fmt.Errorf("create session path: %w", err)
		}
	case "pgx":
		dsn, err := env.GetEnvString("WHATSAPP_DATASTORE_URI")
		if err != nil {
			return errors.New("WHATSAPP_DATASTORE_URI is required for the postgres datastore")
		}
		datastoreDSN = normalizeDatastoreDSN(dsn)

		container, err := sqlstore.New(ctx, "pgx", datastoreDSN, nil)
		if err != nil {
			return fmt.Errorf("initialize whatsapp datastore: %w", err)
		}
		if err := container.Upgrade(ctx); err != nil {
			return fmt.Errorf("upgrade datastore schema: %w", err)
		}
		sharedDatastore = container

		db, err := sql.Open("pgx", datastoreDSN)
		if err != nil {
			return fmt.Errorf("open routing datastore: %w", err)
		}
		if _, err := db.ExecContext(ctx, createTenantDeviceTable); err != nil {
			return fmt.Errorf("create tenant_device table: %w", err)
		}
		routingDB = db
	default:
		return fmt.Errorf("unsupported datastore driver %s", datastoreDriver)
	}

	datastoreReady = true
	log.Print(nil).Info("Datastore initialized with driver=" + datastoreDriver)
	return nil
}

// DriverConfigured reports whether the credential store is usable; without it
// no session can authenticate.
func DriverConfigured() bool {
	datastoreMu.RLock()
	defer datastoreMu.RUnlock()
	return datastoreReady
}

func normalizeDatastoreDriver(driver string) string {
	switch strings.ToLower(driver) {
	case "postgresql", "postgres", "pgx":
		return "pgx"
	case "", "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return strings.ToLower(driver)
	}
}

func normalizeDatastoreDSN(dsn string) string {
	appendParam := func(current string, key string, value string) string {
		if strings.Contains(current, key+"=") {
			return current
		}
		separator := "?"
		if strings.Contains(current, "?") {
			if strings.HasSuffix(current, "?") || strings.HasSuffix(current, "&") {
				separator = ""
			} else {
				separator = "&"
			}
		}
		return current + separator + key + "=" + value
	}
	dsn = appendParam(dsn, "prefer_simple_protocol", "true")
	dsn = appendParam(dsn, "statement_cache_capacity", "0")
	dsn = appendParam(dsn, "default_query_exec_mode", "simple_protocol")
	return dsn
}

func tenantDatabasePath(tenantID string) string {
	return filepath.Join(sessionPath, "session-"+tenantID+".db")
}

func containerFor(ctx context.Context, tenantID string) (*sqlstore.Container, error) {
	datastoreMu.RLock()
	defer datastoreMu.RUnlock()

	if !datastoreReady {
		return nil, errors.New("whatsapp datastore is not initialized")
	}
	if datastoreDriver == "pgx" {
		return sharedDatastore, nil
	}

	dsn := "file:" + tenantDatabasePath(tenantID) + "?_foreign_keys=on&_busy_timeout=10000"
	return sqlstore.New(ctx, "sqlite3", dsn, nil)
}

// deviceFor fetches the tenant's persisted device, creating a blank one for a
// never-paired tenant.
func deviceFor(ctx context.Context, tenantID string, container *sqlstore.Container) (*store.Device, error) {
	if datastoreDriver == "pgx" {
		deviceJID, err := lookupTenantDevice(ctx, tenantID)
		if err == nil && deviceJID != "" {
			jid, parseErr := types.ParseJID(deviceJID)
			if parseErr == nil {
				device, getErr := container.GetDevice(ctx, jid)
				if getErr == nil && device != nil {
					return device, nil
				}
			}
		}
		return container.NewDevice(), nil
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return container.NewDevice(), nil
		}
		return nil, err
	}
	if device == nil {
		return container.NewDevice(), nil
	}
	return device, nil
}

func lookupTenantDevice(ctx context.Context, tenantID string) (string, error) {
	if routingDB == nil {
		return "", errors.New("routing datastore is not initialized")
	}
	var deviceJID string
	err := routingDB.QueryRowContext(ctx,
		"SELECT device_jid FROM tenant_device WHERE tenant_id = $1", tenantID).Scan(&deviceJID)
	if err != nil {
		return "", err
	}
	return deviceJID, nil
}

func saveTenantDevice(ctx context.Context, tenantID string, deviceJID string) error {
	if routingDB == nil {
		return nil
	}
	_, err := routingDB.ExecContext(ctx,
		`INSERT INTO tenant_device (tenant_id, device_jid) VALUES ($1, $2)
		 ON CONFLICT (tenant_id) DO UPDATE SET device_jid = EXCLUDED.device_jid`,
		tenantID, deviceJID)
	return err
}

func deleteTenantDevice(ctx context.Context, tenantID string) error {
	if routingDB == nil {
		return nil
	}
	_, err := routingDB.ExecContext(ctx,
		"DELETE FROM tenant_device WHERE tenant_id = $1", tenantID)
	return err
}

// ListPersistedTenants returns the tenant identifiers with credentials on
// record, used to restore sessions across restarts.
func ListPersistedTenants(ctx context.Context) ([]string, error) {
	datastoreMu.RLock()
	defer datastoreMu.RUnlock()

	if !datastoreReady {
		return nil, errors.New("whatsapp datastore is not initialized")
	}

	if datastoreDriver == "pgx" {
		rows, err := routingDB.QueryContext(ctx, "SELECT tenant_id FROM tenant_device")
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var tenants []string
		for rows.Next() {
			var tenantID string
			if err := rows.Scan(&tenantID); err != nil {
				return nil, err
			}
			tenants = append(tenants, tenantID)
		}
		return tenants, rows.Err()
	}

	matches, err := filepath.Glob(filepath.Join(sessionPath, "session-*.db"))
	if err != nil {
		return nil, err
	}
	var tenants []string
	for _, match := range matches {
		name := filepath.Base(match)
		tenantID := strings.TrimSuffix(strings.TrimPrefix(name, "session-"), ".db")
		if tenantID != "" {
			tenants = append(tenants, tenantID)
		}
	}
	return tenants, nil
}
