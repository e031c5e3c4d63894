// Package registrystore implements the optional exchange-descriptor
// seed store of SPEC_FULL.md §4.10 (C10): a small SQLite database
// operators can use to persist their exchange/port inventory across
// process restarts and config deploys. It is fleet metadata, not a
// capture-stream persistence feature — spec.md's persistence Non-goal
// is untouched (see DESIGN.md).
//
// The open/ping/prepare shape is grounded directly on the teacher
// repository's router.mustDB and addr20: open a sqlite3 handle, ping
// it once at startup, and run small parameterized queries with
// database/sql — no ORM, matching the rest of the corpus's direct-SQL
// style. Unlike router.go's fatal-on-open panic, Open here returns an
// error (spec §7: startup failure must be "surfaced to the caller,"
// not panicked past main).
package registrystore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quantrail/hftcore/exchange"
)

// Store wraps a SQLite-backed exchange descriptor table.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS exchange_descriptors (
	id                INTEGER PRIMARY KEY,
	name              TEXT NOT NULL,
	protocol          INTEGER NOT NULL,
	latency_target_us INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS exchange_ports (
	exchange_id INTEGER NOT NULL REFERENCES exchange_descriptors(id),
	port        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS exchange_hosts (
	exchange_id INTEGER NOT NULL REFERENCES exchange_descriptors(id),
	host        INTEGER NOT NULL
);
`

// Open opens (creating if absent) the SQLite database at path and
// ensures its schema exists. The returned Store must be closed by the
// caller.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("registrystore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registrystore: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registrystore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save persists descriptors, replacing any previously stored set.
// Called only at startup or during an explicit operator-driven
// inventory update — never while the pipeline is running, consistent
// with spec §4.5's "Immutable after startup."
func (s *Store) Save(descriptors []exchange.Descriptor) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("registrystore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM exchange_ports`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM exchange_hosts`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM exchange_descriptors`); err != nil {
		return err
	}

	insertDescriptor, err := tx.Prepare(`INSERT INTO exchange_descriptors (id, name, protocol, latency_target_us) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insertDescriptor.Close()

	insertPort, err := tx.Prepare(`INSERT INTO exchange_ports (exchange_id, port) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer insertPort.Close()

	insertHost, err := tx.Prepare(`INSERT INTO exchange_hosts (exchange_id, host) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer insertHost.Close()

	for _, d := range descriptors {
		if _, err := insertDescriptor.Exec(d.ID, d.Name, uint8(d.Protocol), d.LatencyTargetUs); err != nil {
			return fmt.Errorf("registrystore: insert descriptor %d: %w", d.ID, err)
		}
		for _, port := range d.Ports {
			if _, err := insertPort.Exec(d.ID, port); err != nil {
				return fmt.Errorf("registrystore: insert port for %d: %w", d.ID, err)
			}
		}
		for _, host := range d.Hosts {
			if _, err := insertHost.Exec(d.ID, host); err != nil {
				return fmt.Errorf("registrystore: insert host for %d: %w", d.ID, err)
			}
		}
	}

	return tx.Commit()
}

// Load reads back every stored exchange descriptor, in ascending id
// order.
func (s *Store) Load() ([]exchange.Descriptor, error) {
	rows, err := s.db.Query(`SELECT id, name, protocol, latency_target_us FROM exchange_descriptors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("registrystore: query descriptors: %w", err)
	}
	defer rows.Close()

	var out []exchange.Descriptor
	for rows.Next() {
		var (
			id       int32
			name     string
			protocol uint8
			target   uint32
		)
		if err := rows.Scan(&id, &name, &protocol, &target); err != nil {
			return nil, fmt.Errorf("registrystore: scan descriptor: %w", err)
		}
		out = append(out, exchange.Descriptor{
			ID:              id,
			Name:            name,
			Protocol:        exchange.Protocol(protocol),
			LatencyTargetUs: target,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		ports, err := s.loadPorts(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Ports = ports

		hosts, err := s.loadHosts(out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Hosts = hosts
	}

	return out, nil
}

func (s *Store) loadPorts(exchangeID int32) ([]uint16, error) {
	rows, err := s.db.Query(`SELECT port FROM exchange_ports WHERE exchange_id = ? ORDER BY port`, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("registrystore: query ports for %d: %w", exchangeID, err)
	}
	defer rows.Close()

	var ports []uint16
	for rows.Next() {
		var port uint16
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

func (s *Store) loadHosts(exchangeID int32) ([]uint32, error) {
	rows, err := s.db.Query(`SELECT host FROM exchange_hosts WHERE exchange_id = ? ORDER BY host`, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("registrystore: query hosts for %d: %w", exchangeID, err)
	}
	defer rows.Close()

	var hosts []uint32
	for rows.Next() {
		var host uint32
		if err := rows.Scan(&host); err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	return hosts, rows.Err()
}
