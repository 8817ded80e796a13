package storage

import (
	"errors"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	stagingPrefix = ".staging-"
	trashPrefix   = ".trash-"
)

// SyncDir fsyncs a directory so renames and creations inside it survive a crash.
func SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return Wrap("open", path, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return Wrap("sync", path, err)
	}
	return nil
}

// NewStagingDir creates a uniquely named hidden directory under parent.
// Readers that list ingest_date=* partitions never see it.
func NewStagingDir(parent string) (string, error) {
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", Wrap("mkdir", parent, err)
	}

	dir := filepath.Join(parent, stagingPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", Wrap("mkdir", dir, err)
	}
	return dir, nil
}

// ReplaceDir publishes staging at target. An existing target is moved aside
// first and restored if the second rename fails, so target always holds either
// the complete old content or the complete new content.
func ReplaceDir(staging, target string) error {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return Wrap("mkdir", parent, err)
	}

	var trash string
	if _, err := os.Stat(target); err == nil {
		trash = filepath.Join(parent, trashPrefix+uuid.NewString())
		if err := os.Rename(target, trash); err != nil {
			return Wrap("rename", target, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Wrap("stat", target, err)
	}

	if err := os.Rename(staging, target); err != nil {
		if trash != "" {
			if restoreErr := os.Rename(trash, target); restoreErr != nil {
				log.Printf("❌ Failed to restore %s from %s: %v", target, trash, restoreErr)
			}
		}
		return Wrap("rename", staging, err)
	}

	if err := SyncDir(parent); err != nil {
		return err
	}

	if trash != "" {
		if err := os.RemoveAll(trash); err != nil {
			// The new content is already published; a leftover trash dir is harmless.
			log.Printf("⚠️ Failed to remove superseded directory %s: %v", trash, err)
		}
	}
	return nil
}
