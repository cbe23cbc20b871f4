// Package backup snapshots the bundler database (outcome history, batch
// records and counters) to files on a schedule or on demand.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
)

const backupFileName = "bundler-backup.db"

type Service struct {
	logger    logger.Logger
	db        storage.Storage
	backupDir string

	mu       sync.Mutex
	running  bool
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}

	now func() time.Time
}

func NewService(log logger.Logger, db storage.Storage, backupDir string) *Service {
	return &Service{
		logger:    logger.Component(log, "backup"),
		db:        db,
		backupDir: backupDir,
		now:       time.Now,
	}
}

func (s *Service) StartPeriodicBackup(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("backup service already running")
	}
	if interval <= 0 {
		return fmt.Errorf("backup interval must be positive, got %v", interval)
	}
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	s.interval = interval
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.backupLoop(s.stop, s.done)

	s.logger.Info("started periodic backup", "interval", interval, "dir", s.backupDir)
	return nil
}

// StopPeriodicBackup waits for a backup in progress to finish.
func (s *Service) StopPeriodicBackup() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("stopped periodic backup")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) backupLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.PerformBackup(context.Background()); err != nil {
				s.logger.Error("periodic backup failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}

// PerformBackup writes a full snapshot under <backupDir>/<timestamp>/ and returns its path.
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	timestamp := s.now().UTC().Format("06-01-02-15-04-05")
	backupPath := filepath.Join(s.backupDir, timestamp)

	if err := os.MkdirAll(backupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup timestamp directory: %w", err)
	}

	backupFile := filepath.Join(backupPath, backupFileName)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	// since 0 is a full backup
	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", err
	}

	s.logger.Info("backup completed", "file", backupFile)
	return backupFile, nil
}

// Restore loads a file written by PerformBackup into the database.
func (s *Service) Restore(ctx context.Context, backupFile string) error {
	f, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("cannot open backup file: %w", err)
	}
	defer f.Close()

	if err := s.db.Load(ctx, f); err != nil {
		return fmt.Errorf("restore from %s failed: %w", backupFile, err)
	}
	s.logger.Info("restored backup", "file", backupFile)
	return nil
}
