package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBackupConfig(t *testing.T) {
	tmpDir := t.TempDir()

	// Create a config file to backup
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `devices:
  test_device:
    sample_rate: 48000
default:
  sample_rate: 44100
  channels: 2
  bitrate: "128k"
  codec: opus
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}

	backupDir := filepath.Join(tmpDir, "backups")

	// Test backup
	backupPath, err := BackupConfig(configPath, backupDir)
	if err != nil {
		t.Fatalf("BackupConfig() error: %v", err)
	}

	// Verify backup was created
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		t.Errorf("Backup file not created: %s", backupPath)
	}

	// Verify backup content matches original
	backupContent, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("Failed to read backup: %v", err)
	}

	if string(backupContent) != configContent {
		t.Errorf("Backup content mismatch")
	}
}

func TestBackupConfigFileNotFound(t *testing.T) {
	tmpDir := t.TempDir()
	backupDir := filepath.Join(tmpDir, "backups")

	_, err := BackupConfig("/nonexistent/config.yaml", backupDir)
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestBackupConfigDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	backupDir := filepath.Join(tmpDir, "backups")

	// Try to backup a directory
	_, err := BackupConfig(tmpDir, backupDir)
	if err == nil {
		t.Error("Expected error when trying to backup a directory")
	}
}

func TestListBackups(t *testing.T) {
	tmpDir := t.TempDir()
	backupDir := filepath.Join(tmpDir, "backups")

	// Create backup directory
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatalf("Failed to create backup dir: %v", err)
	}

	// Create some test backup files
	testFiles := []string{
		"config.yaml.2025-12-14T10-00-00.bak",
		"config.yaml.2025-12-14T11-00-00.bak",
		"config.yaml.2025-12-14T12-00-00.bak",
		"other.yaml.2025-12-14T10-00-00.bak",
		"not-a-backup.txt",
	}

	for _, f := range testFiles {
		path := filepath.Join(backupDir, f)
		if err := os.WriteFile(path, []byte("test"), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}
	}

	// List all backups
	backups, err := ListBackups(backupDir, "")
	if err != nil {
		t.Fatalf("ListBackups() error: %v", err)
	}

	// Should find 4 backup files (excluding not-a-backup.txt)
	if len(backups) != 4 {
		t.Errorf("ListBackups() returned %d backups, want 4", len(backups))
	}

	// List only config.yaml backups
	backups, err = ListBackups(backupDir, "config.yaml")
	if err != nil {
		t.Fatalf("ListBackups() error: %v", err)
	}

	if len(backups) != 3 {
		t.Errorf("ListBackups() with filter returned %d backups, want 3", len(backups))
	}

	// Verify sorted by time (newest first)
	if len(backups) >= 2 {
		if backups[0].Timestamp.Before(backups[1].Timestamp) {
			t.Error("Backups not sorted newest first")
		}
	}
}

func TestListBackupsNonexistentDir(t *testing.T) {
	backups, err := ListBackups("/nonexistent/backups", "")
	if err != nil {
		t.Errorf("ListBackups() should return nil for nonexistent dir, got error: %v", err)
	}
	if backups != nil {
		t.Errorf("ListBackups() should return nil for nonexistent dir, got: %v", backups)
	}
}

func TestRestoreBackup(t *testing.T) {
	tmpDir := t.TempDir()
	backupDir := filepath.Join(tmpDir, "backups")
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Create backup directory
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatalf("Failed to create backup dir: %v", err)
	}

	// Create a valid backup file
	backupContent := `default:
  sample_rate: 48000
  channels: 2
  bitrate: "128k"
  codec: opus
`
	backupPath := filepath.Join(backupDir, "config.yaml.2025-12-14T10-00-00.bak")
	if err := os.WriteFile(backupPath, []byte(backupContent), 0644); err != nil {
		t.Fatalf("Failed to create backup: %v", err)
	}

	// Restore when no current config exists
	prevBackup, err := RestoreBackup(backupPath, configPath, backupDir)
	if err != nil {
		t.Fatalf("RestoreBackup() error: %v", err)
	}

	if prevBackup != "" {
		t.Errorf("Expected no previous backup, got: %s", prevBackup)
	}

	// Verify config was restored
	restored, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read restored config: %v", err)
	}

	if string(restored) != backupContent {
		t.Error("Restored content doesn't match backup")
	}
}

func TestRestoreBackupWithExistingConfig(t *testing.T) {
	tmpDir := t.TempDir()
	backupDir := filepath.Join(tmpDir, "backups")
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Create backup directory
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatalf("Failed to create backup dir: %v", err)
	}

	// Create existing config
	existingContent := `default:
  sample_rate: 44100
  channels: 1
  bitrate: "64k"
  codec: aac
`
	if err := os.WriteFile(configPath, []byte(existingContent), 0644); err != nil {
		t.Fatalf("Failed to create existing config: %v", err)
	}

	// Create backup to restore
	backupContent := `default:
  sample_rate: 48000
  channels: 2
  bitrate: "128k"
  codec: opus
`
	backupPath := filepath.Join(backupDir, "config.yaml.2025-12-14T10-00-00.bak")
	if err := os.WriteFile(backupPath, []byte(backupContent), 0644); err != nil {
		t.Fatalf("Failed to create backup: %v", err)
	}

	// Restore should backup existing config first
	prevBackup, err := RestoreBackup(backupPath, configPath, backupDir)
	if err != nil {
		t.Fatalf("RestoreBackup() error: %v", err)
	}

	if prevBackup == "" {
		t.Error("Expected previous backup to be created")
	}

	// Verify previous config was backed up
	if _, err := os.Stat(prevBackup); os.IsNotExist(err) {
		t.Errorf("Previous backup not created: %s", prevBackup)
	}
}

func TestRestoreBackupInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	backupDir := filepath.Join(tmpDir, "backups")
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Create backup directory
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatalf("Failed to create backup dir: %v", err)
	}

	// Create invalid YAML backup
	backupPath := filepath.Join(backupDir, "config.yaml.2025-12-14T10-00-00.bak")
	if err := os.WriteFile(backupPath, []byte("invalid: yaml: content: ["), 0644); err != nil {
		t.Fatalf("Failed to create backup: %v", err)
	}

	_, err := RestoreBackup(backupPath, configPath, backupDir)
	if err == nil {
		t.Error("Expected error for invalid YAML backup")
	}
}

func TestCleanOldBackups(t *testing.T) {
	tmpDir := t.TempDir()
	backupDir := filepath.Join(tmpDir, "backups")

	// Create backup directory
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatalf("Failed to create backup dir: %v", err)
	}

	// Create test backup files with different timestamps
	for i := 0; i < 5; i++ {
		name := time.Now().Add(time.Duration(-i) * time.Hour).Format(BackupTimestampFormat)
		path := filepath.Join(backupDir, "config.yaml."+name+BackupSuffix)
		if err := os.WriteFile(path, []byte("test"), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}
		// Small delay to ensure different timestamps
		time.Sleep(10 * time.Millisecond)
	}

	// Keep only 2 backups
	deleted, err := CleanOldBackups(backupDir, "config.yaml", 2)
	if err != nil {
		t.Fatalf("CleanOldBackups() error: %v", err)
	}

	if deleted != 3 {
		t.Errorf("CleanOldBackups() deleted %d files, want 3", deleted)
	}

	// Verify remaining backups
	remaining, _ := ListBackups(backupDir, "config.yaml")
	if len(remaining) != 2 {
		t.Errorf("Expected 2 remaining backups, got %d", len(remaining))
	}
}

func TestCleanOldBackupsNegativeKeep(t *testing.T) {
	tmpDir := t.TempDir()
	_, err := CleanOldBackups(tmpDir, "config.yaml", -1)
	if err == nil {
		t.Error("Expected error for negative keepCount")
	}
}

func TestParseBackupTimestamp(t *testing.T) {
	tests := []struct {
		filename string
		wantErr  bool
	}{
		{"config.yaml.2025-12-14T10-30-00.bak", false},
		// Millisecond format, written by BackupConfig when a backup for the
		// same second already exists: the timestamp spans the last two dot parts.
		{"config.yaml.2025-12-14T10-30-00.000.bak", false},
		{"config.yaml.invalid.bak", true},
		{"config.yaml.bak", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			_, err := parseBackupTimestamp(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseBackupTimestamp(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
			}
		})
	}
}

func TestGetBackupDir(t *testing.T) {
	tests := []struct {
		configPath string
		want       string
	}{
		{"/etc/streamrecorder/config.yaml", DefaultBackupDir},
		{"/home/user/config.yaml", "/home/user/backups"},
		{"/opt/streamrecorder/config.yaml", "/opt/streamrecorder/backups"},
	}

	for _, tt := range tests {
		t.Run(tt.configPath, func(t *testing.T) {
			got := GetBackupDir(tt.configPath)
			if got != tt.want {
				t.Errorf("GetBackupDir(%q) = %q, want %q", tt.configPath, got, tt.want)
			}
		})
	}
}

func TestBackupBeforeSave(t *testing.T) {
	tmpDir := t.TempDir()
	backupDir := filepath.Join(tmpDir, "backups")
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Create existing config
	existingContent := `default:
  sample_rate: 44100
  channels: 1
  bitrate: "64k"
  codec: aac
`
	if err := os.WriteFile(configPath, []byte(existingContent), 0644); err != nil {
		t.Fatalf("Failed to create existing config: %v", err)
	}

	// Create new config
	cfg := DefaultConfig()
	cfg.Default.SampleRate = 48000

	// Backup and save
	backupPath, err := BackupBeforeSave(cfg, configPath, backupDir)
	if err != nil {
		t.Fatalf("BackupBeforeSave() error: %v", err)
	}

	if backupPath == "" {
		t.Error("Expected backup to be created")
	}

	// Verify new config was saved
	newCfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load new config: %v", err)
	}

	if newCfg.Default.SampleRate != 48000 {
		t.Errorf("New config not saved correctly, SampleRate = %d", newCfg.Default.SampleRate)
	}
}
