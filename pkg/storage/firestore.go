package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

// FirestoreProvider implements Database using Google Cloud Firestore.
// Everything for one config entry lives under entries/{entryID}: the entry
// itself as the document and the snapshot and hourly history as
// subcollections.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	entryID   string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	entryID := lflag.String("firestore-entry-id", "default", "Document ID of the config entry")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.entryID = *entryID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// project ID may be empty and detected from the environment
	if f.entryID == "" {
		return fmt.Errorf("firestore-entry-id cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) entryDoc() *firestore.DocumentRef {
	return f.client.Collection("entries").Doc(f.entryID)
}

func (f *FirestoreProvider) getCollection(name string) *firestore.CollectionRef {
	return f.entryDoc().Collection(name)
}

// decodeJSONField unmarshals the "json" string field of doc into v.
func decodeJSONField(ctx context.Context, doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("docID", doc.Ref.ID), slog.Any("error", err))
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// GetEntry retrieves the config entry document.
func (f *FirestoreProvider) GetEntry(ctx context.Context) (types.ConfigEntry, error) {
	doc, err := f.entryDoc().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.ConfigEntry{}, ErrEntryNotFound
		}
		return types.ConfigEntry{}, fmt.Errorf("failed to fetch config entry: %w", err)
	}
	var entry types.ConfigEntry
	if err := decodeJSONField(ctx, doc, &entry); err != nil {
		return types.ConfigEntry{}, err
	}
	return entry, nil
}

// SetEntry saves the config entry as a JSON string.
func (f *FirestoreProvider) SetEntry(ctx context.Context, entry types.ConfigEntry) error {
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal config entry: %w", err)
	}
	_, err = f.entryDoc().Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"updatedAt": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save config entry: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the "snapshots/latest" document.
func (f *FirestoreProvider) SaveSnapshot(ctx context.Context, snap types.AggregateSnapshot) error {
	jsonBytes, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = f.getCollection("snapshots").Doc("latest").Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"accountID": snap.AccountID,
		"fetchedAt": snap.FetchedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetLatestSnapshot retrieves the "snapshots/latest" document.
func (f *FirestoreProvider) GetLatestSnapshot(ctx context.Context) (types.AggregateSnapshot, error) {
	doc, err := f.getCollection("snapshots").Doc("latest").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.AggregateSnapshot{}, ErrSnapshotNotFound
		}
		return types.AggregateSnapshot{}, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	var snap types.AggregateSnapshot
	if err := decodeJSONField(ctx, doc, &snap); err != nil {
		return types.AggregateSnapshot{}, err
	}
	return snap, nil
}

// UpsertHourlyUsage writes each record to the "hourly_usage" collection. The
// document ID starts with the RFC3339 period start so ID range queries select
// by time.
func (f *FirestoreProvider) UpsertHourlyUsage(ctx context.Context, records []types.UsageRecord) error {
	coll := f.getCollection("hourly_usage")
	for _, r := range records {
		if r.PeriodStart.IsZero() {
			log.Ctx(ctx).WarnContext(ctx, "skipping hourly record without period start", slog.String("commodity", string(r.Commodity)))
			continue
		}
		jsonBytes, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal hourly usage: %w", err)
		}
		_, err = coll.Doc(hourlyKey(r)).Set(ctx, map[string]interface{}{
			"json":        string(jsonBytes),
			"periodStart": r.PeriodStart,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert hourly usage (id=%s): %w", hourlyKey(r), err)
		}
	}
	return nil
}

// GetHourlyUsage retrieves hourly records with start <= periodStart < end.
func (f *FirestoreProvider) GetHourlyUsage(ctx context.Context, start, end time.Time) ([]types.UsageRecord, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll := f.getCollection("hourly_usage")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var records []types.UsageRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating hourly usage: %w", err)
		}
		var r types.UsageRecord
		if err := decodeJSONField(ctx, doc, &r); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}
