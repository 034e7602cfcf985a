// Package firestore keeps workspace documents in Cloud Firestore, one
// document per user at users/{id}/notes/main holding blocks, edges and
// lastUpdated as native fields.
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	fs "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hazyhaar/noteboard/docsync"
	"github.com/hazyhaar/noteboard/workspace"
)

var _ docsync.Store = (*Store)(nil)

const (
	usersCollection = "users"
	notesCollection = "notes"
	mainDocument    = "main"
)

// Store implements docsync.Store on a Firestore client.
type Store struct {
	client *fs.Client
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New connects to projectID. Client options carry credentials, e.g.
// option.WithTokenSource for a signed-in user's token.
func New(ctx context.Context, projectID string, clientOpts []option.ClientOption, opts ...Option) (*Store, error) {
	client, err := fs.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: new client: %w", err)
	}
	return NewWithClient(client, opts...), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *fs.Client, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close releases the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) doc(ownerID string) *fs.DocumentRef {
	return s.client.Collection(usersCollection).Doc(ownerID).Collection(notesCollection).Doc(mainDocument)
}

// Save overwrites the owner's document.
func (s *Store) Save(ctx context.Context, ownerID string, snap workspace.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	if _, err := s.doc(ownerID).Set(ctx, data); err != nil {
		return fmt.Errorf("firestore: save %s: %w", ownerID, err)
	}
	return nil
}

// Load reads the owner's document, nil when it does not exist.
func (s *Store) Load(ctx context.Context, ownerID string) (*workspace.Snapshot, error) {
	ds, err := s.doc(ownerID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("firestore: load %s: %w", ownerID, err)
	}
	return decodeSnapshot(ds)
}

// Watch streams the document through a snapshot listener.
func (s *Store) Watch(ctx context.Context, ownerID string, fn func(*workspace.Snapshot)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	it := s.doc(ownerID).Snapshots(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			ds, err := it.Next()
			if err != nil {
				if !stopped(err) {
					s.logger.Warn("firestore: listener ended", "owner", ownerID, "error", err)
				}
				return
			}
			snap, err := decodeSnapshot(ds)
			if err != nil {
				s.logger.Warn("firestore: undecodable document", "owner", ownerID, "error", err)
				continue
			}
			fn(snap)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			it.Stop()
			<-done
		})
	}, nil
}

func stopped(err error) bool {
	if errors.Is(err, iterator.Done) || errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}

func decodeSnapshot(ds *fs.DocumentSnapshot) (*workspace.Snapshot, error) {
	if ds == nil || !ds.Exists() {
		return nil, nil
	}
	return decode(ds.Data())
}

// encode turns a snapshot into Firestore fields. Blocks and edges go
// through their JSON form so the stored shape matches the export format.
func encode(snap workspace.Snapshot) (map[string]any, error) {
	if snap.Blocks == nil {
		snap.Blocks = []workspace.Block{}
	}
	if snap.Edges == nil {
		snap.Edges = []workspace.Edge{}
	}
	raw, err := json.Marshal(struct {
		Blocks []workspace.Block `json:"blocks"`
		Edges  []workspace.Edge  `json:"edges"`
	}{snap.Blocks, snap.Edges})
	if err != nil {
		return nil, fmt.Errorf("firestore: encode: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("firestore: encode: %w", err)
	}
	updated := snap.LastUpdated
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	fields["lastUpdated"] = updated
	return fields, nil
}

func decode(fields map[string]any) (*workspace.Snapshot, error) {
	var updated time.Time
	if t, ok := fields["lastUpdated"].(time.Time); ok {
		updated = t
	}
	body := make(map[string]any, 2)
	for _, k := range []string{"blocks", "edges"} {
		if v, ok := fields[k]; ok && v != nil {
			body[k] = v
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("firestore: decode: %w", err)
	}
	var snap workspace.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("firestore: decode: %w", err)
	}
	if snap.Blocks == nil {
		snap.Blocks = []workspace.Block{}
	}
	if snap.Edges == nil {
		snap.Edges = []workspace.Edge{}
	}
	snap.LastUpdated = updated
	return &snap, nil
}
