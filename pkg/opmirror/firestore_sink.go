// Copyright 2025 Certen Protocol
//
// FirestoreSink is the reference opmirror.Sink, reusing the Firebase Admin
// SDK client construction from pkg/firestore/client.go directly: same
// enable-gated NewClient, same ProjectID/CredentialsFile config shape, same
// `Doc(path).Set(ctx, map[string]interface{})` write idiom.
package opmirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// FirestoreConfig configures FirestoreSink.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Enabled         bool
	Logger          *log.Logger
}

// DefaultFirestoreConfig reads values from the environment, mirroring
// pkg/firestore.Client's DefaultConfig.
func DefaultFirestoreConfig() *FirestoreConfig {
	return &FirestoreConfig{
		ProjectID:       os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Enabled:         os.Getenv("OPMIRROR_FIRESTORE_ENABLED") == "true",
		Logger:          log.New(os.Stdout, "[opmirror] ", log.LstdFlags),
	}
}

// FirestoreSink mirrors events into a Firestore collection. When disabled
// it behaves exactly like NoopSink.
type FirestoreSink struct {
	mu        sync.RWMutex
	client    *gcpfirestore.Client
	projectID string
	enabled   bool
	logger    *log.Logger
}

// NewFirestoreSink constructs a sink. If cfg.Enabled is false this returns
// immediately with a client-less, no-op sink — no network call, no error.
func NewFirestoreSink(ctx context.Context, cfg *FirestoreConfig) (*FirestoreSink, error) {
	if cfg == nil {
		cfg = DefaultFirestoreConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[opmirror] ", log.LstdFlags)
	}

	sink := &FirestoreSink{projectID: cfg.ProjectID, enabled: cfg.Enabled, logger: cfg.Logger}
	if !cfg.Enabled {
		cfg.Logger.Println("opmirror Firestore sink is disabled - running in no-op mode")
		return sink, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("opmirror: FIREBASE_PROJECT_ID is required when enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("opmirror: initialize firebase app: %w", err)
	}
	fsClient, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("opmirror: create firestore client: %w", err)
	}
	sink.client = fsClient
	cfg.Logger.Printf("opmirror Firestore sink initialized for project: %s", cfg.ProjectID)
	return sink, nil
}

// Enabled satisfies Sink.
func (s *FirestoreSink) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Close releases the underlying Firestore client, if any.
func (s *FirestoreSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// WriteEvent satisfies Sink, writing to
// /relayOperations/{chain}/events/{kind}_{timestamp}.
func (s *FirestoreSink) WriteEvent(ctx context.Context, ev Event) error {
	if !s.Enabled() {
		return nil
	}
	if s.client == nil {
		return fmt.Errorf("opmirror: firestore client not initialized")
	}
	docID := fmt.Sprintf("%s_%d", ev.Kind, ev.ObservedAt.UnixNano())
	docPath := fmt.Sprintf("relayOperations/%s/events/%s", ev.Chain, docID)
	_, err := s.client.Doc(docPath).Set(ctx, map[string]interface{}{
		"kind":       string(ev.Kind),
		"chain":      ev.Chain,
		"index":      ev.Index,
		"messageId":  ev.MessageID,
		"reason":     ev.Reason,
		"observedAt": ev.ObservedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("opmirror: write event: %w", err)
	}
	return nil
}
