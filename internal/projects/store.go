package projects

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fieldexec/internal/logger"
	"fieldexec/internal/remote"
)

// LocalTargetKey identifies the client machine itself in the cache.
const LocalTargetKey = "local"

// TargetRef points the synchronizer at the authoritative copy: the local
// filesystem, or a remote host reached through the execution service.
type TargetRef struct {
	remote *remote.Target
}

func LocalTarget() TargetRef {
	return TargetRef{}
}

func RemoteTarget(target remote.Target) TargetRef {
	return TargetRef{remote: &target}
}

func (t TargetRef) IsLocal() bool { return t.remote == nil }

// Remote returns the remote target, or nil for the local machine.
func (t TargetRef) Remote() *remote.Target { return t.remote }

func (t TargetRef) Key() string {
	if t.remote == nil {
		return LocalTargetKey
	}
	return t.remote.Key()
}

// Store reads and writes the shared document. Authoritative failures
// degrade to the cache; cache failures never block an authoritative write.
// Concurrent saves for the same target must be serialized by the caller.
type Store struct {
	svc         *remote.Service
	cache       *Repository
	baseDirName string
	opts        remote.Options

	// homeDir is swappable in tests.
	homeDir func() (string, error)
}

func NewStore(svc *remote.Service, cache *Repository, baseDirName string, opts remote.Options) *Store {
	if baseDirName == "" {
		baseDirName = DefaultBaseDirName
	}
	return &Store{
		svc:         svc,
		cache:       cache,
		baseDirName: baseDirName,
		opts:        opts,
		homeDir:     os.UserHomeDir,
	}
}

// LocalBaseDir resolves the local base directory. ok is false when no home
// directory is available.
func (s *Store) LocalBaseDir() (string, bool) {
	home, err := s.homeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "", false
	}
	return filepath.Join(home, s.baseDirName), true
}

// Load fetches the authoritative document, normalizes it and refreshes the
// cache. When the authoritative copy is unreachable it falls back to the
// cache and, if the cache is non-empty, opportunistically bootstraps the
// authoritative copy from it.
func (s *Store) Load(ctx context.Context, target TargetRef) ([]Project, error) {
	records, err := s.loadAuthoritative(ctx, target)
	if err == nil {
		if cacheErr := s.cache.Put(target.Key(), records); cacheErr != nil {
			logger.Warn("Failed to refresh projects cache for %s: %v", target.Key(), cacheErr)
		}
		return records, nil
	}

	logger.Warn("Falling back to cached projects for %s: %v", target.Key(), err)
	cached, cacheErr := s.cache.Get(target.Key())
	if cacheErr != nil {
		return nil, err
	}
	if len(cached) > 0 {
		if bootstrapErr := s.writeAuthoritative(ctx, target, cached); bootstrapErr != nil {
			logger.Debug("Projects bootstrap for %s failed: %v", target.Key(), bootstrapErr)
		}
	}
	return cached, nil
}

// Save normalizes, persists to the cache, then writes the authoritative
// copy with the audit line appended.
func (s *Store) Save(ctx context.Context, target TargetRef, records []Project) error {
	normalized := Normalize(records)

	if err := s.cache.Put(target.Key(), normalized); err != nil {
		logger.Warn("Failed to cache projects for %s: %v", target.Key(), err)
	}

	return s.writeAuthoritative(ctx, target, normalized)
}

func (s *Store) loadAuthoritative(ctx context.Context, target TargetRef) ([]Project, error) {
	if target.IsLocal() {
		return s.loadLocal()
	}
	return s.loadRemote(ctx, *target.remote)
}

func (s *Store) loadLocal() ([]Project, error) {
	dir, ok := s.LocalBaseDir()
	if !ok {
		return nil, errors.New("home directory unavailable")
	}

	raw, err := os.ReadFile(filepath.Join(dir, DocumentFileName))
	if os.IsNotExist(err) {
		return []Project{}, nil
	}
	if err != nil {
		return nil, err
	}

	return parseDocument(raw)
}

func (s *Store) loadRemote(ctx context.Context, target remote.Target) ([]Project, error) {
	script, err := RenderLoadScript(s.baseDirName)
	if err != nil {
		return nil, err
	}

	result, err := s.svc.RunToCompletion(ctx, target, script, "", s.opts)
	if err != nil {
		return nil, err
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		return nil, fmt.Errorf("remote read failed: %s", strings.TrimSpace(result.Stderr))
	}

	stdout := strings.TrimSpace(result.Stdout)
	if stdout == "" {
		return []Project{}, nil
	}
	return parseDocument([]byte(stdout))
}

func parseDocument(raw []byte) ([]Project, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("shared document is malformed: %w", err)
	}
	return Normalize(doc.Projects), nil
}

func (s *Store) writeAuthoritative(ctx context.Context, target TargetRef, records []Project) error {
	if target.IsLocal() {
		return s.writeLocal(records)
	}
	return s.writeRemote(ctx, *target.remote, records)
}

// writeLocal installs the document with temp-file-then-rename and
// owner-only permissions, then appends the audit line. When no home
// directory can be resolved the write silently does nothing.
func (s *Store) writeLocal(records []Project) error {
	dir, ok := s.LocalBaseDir()
	if !ok {
		logger.Warn("Home directory unavailable, skipping projects write")
		return nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	_ = os.Chmod(dir, 0700)

	payload, err := json.Marshal(NewDocument(records))
	if err != nil {
		return err
	}

	docPath := filepath.Join(dir, DocumentFileName)
	tmpPath := docPath + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, docPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install %s: %w", docPath, err)
	}
	_ = os.Chmod(docPath, 0600)

	return appendEventLine(filepath.Join(dir, EventsFileName))
}

func appendEventLine(path string) error {
	line, err := json.Marshal(NewUpdatedEvent())
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// writeRemote pipes the base64-encoded document through the save script,
// which applies the same atomicity and permission discipline remotely.
func (s *Store) writeRemote(ctx context.Context, target remote.Target, records []Project) error {
	payload, err := json.Marshal(NewDocument(records))
	if err != nil {
		return err
	}
	eventLine, err := json.Marshal(NewUpdatedEvent())
	if err != nil {
		return err
	}

	script, err := RenderSaveScript(
		s.baseDirName,
		remote.Quote(base64.StdEncoding.EncodeToString(payload)),
		remote.Quote(string(eventLine)),
	)
	if err != nil {
		return err
	}

	result, err := s.svc.RunToCompletion(ctx, target, script, "", s.opts)
	if err != nil {
		return err
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		return fmt.Errorf("remote write failed: %s", strings.TrimSpace(result.Stderr))
	}
	return nil
}
