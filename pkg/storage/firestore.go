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
	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements Database using Google Cloud Firestore. Records
// are stored as JSON blobs under a document per instance.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// an empty project ID is detected from the environment
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

func (f *FirestoreProvider) getCollection(instanceID, name string) (*firestore.CollectionRef, error) {
	if err := validateInstanceID(instanceID); err != nil {
		return nil, err
	}
	return f.client.Collection("instances").Doc(instanceID).Collection(name), nil
}

// getJSON reads the "json" field of a state document into v.
func (f *FirestoreProvider) getJSON(ctx context.Context, instanceID, docID string, v any) error {
	coll, err := f.getCollection(instanceID, "state")
	if err != nil {
		return err
	}
	doc, err := coll.Doc(docID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%s for %s: %w", docID, instanceID, ErrNotFound)
		}
		return fmt.Errorf("failed to fetch %s doc: %w", docID, err)
	}
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "state doc missing json", slog.String("doc", docID), slog.String("instanceID", instanceID))
		return fmt.Errorf("%s document missing 'json' field: %w", docID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "state doc json not string", slog.String("doc", docID), slog.String("instanceID", instanceID))
		return fmt.Errorf("%s 'json' field is not a string", docID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal state json", slog.String("doc", docID), slog.String("instanceID", instanceID), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal %s json: %w", docID, err)
	}
	return nil
}

func (f *FirestoreProvider) setJSON(ctx context.Context, instanceID, docID string, v any) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", docID, err)
	}
	coll, err := f.getCollection(instanceID, "state")
	if err != nil {
		return err
	}
	_, err = coll.Doc(docID).Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"updated": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", docID, err)
	}
	return nil
}

// GetSnapshot retrieves the last-known-good snapshot from "state/snapshot".
func (f *FirestoreProvider) GetSnapshot(ctx context.Context, instanceID string) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := f.getJSON(ctx, instanceID, "snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetSnapshot saves the snapshot to "state/snapshot".
func (f *FirestoreProvider) SetSnapshot(ctx context.Context, instanceID string, snap *types.Snapshot) error {
	return f.setJSON(ctx, instanceID, "snapshot", snap)
}

// GetEventDiagnostics retrieves event diagnostics from
// "state/event_diagnostics". Missing diagnostics are returned empty.
func (f *FirestoreProvider) GetEventDiagnostics(ctx context.Context, instanceID string) (types.EventDiagnostics, error) {
	var d types.EventDiagnostics
	err := f.getJSON(ctx, instanceID, "event_diagnostics", &d)
	if err != nil && !isNotFound(err) {
		return types.EventDiagnostics{}, err
	}
	return d, nil
}

// SetEventDiagnostics saves event diagnostics to "state/event_diagnostics".
func (f *FirestoreProvider) SetEventDiagnostics(ctx context.Context, instanceID string, d types.EventDiagnostics) error {
	return f.setJSON(ctx, instanceID, "event_diagnostics", d)
}

// UpsertPrices writes each slot to the "price_history" collection with a
// bulk writer. The document ID is the RFC3339 slot start for efficient range
// queries.
func (f *FirestoreProvider) UpsertPrices(ctx context.Context, instanceID string, slots []types.Slot) error {
	if len(slots) == 0 {
		return nil
	}
	coll, err := f.getCollection(instanceID, "price_history")
	if err != nil {
		return err
	}

	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(slots))
	for _, s := range slots {
		jsonBytes, err := json.Marshal(s)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal slot: %w", err)
		}
		docID := s.Start.UTC().Format(time.RFC3339)
		job, err := bw.Set(coll.Doc(docID), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": s.Start,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue price upsert: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to upsert price: %w", err)
		}
	}
	return nil
}

// GetPriceHistory retrieves price records within the specified time range.
// Uses document ID range queries for efficient filtering without reading all documents.
func (f *FirestoreProvider) GetPriceHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.Slot, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.getCollection(instanceID, "price_history")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var slots []types.Slot
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating prices: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "price doc missing json", slog.String("docID", doc.Ref.ID), slog.String("instanceID", instanceID))
			continue
		}
		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "price doc json not string", slog.String("docID", doc.Ref.ID), slog.String("instanceID", instanceID))
			continue
		}

		var s types.Slot
		if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal price", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
			continue
		}
		slots = append(slots, s)
	}
	return slots, nil
}
