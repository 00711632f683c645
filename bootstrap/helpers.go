package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"argus/config"
	"argus/storage"
)

// EnsureDataDirectories creates the data directory and the database's parent
// directory and checks that they are writable
func EnsureDataDirectories(paths config.DataPaths, sugar *zap.SugaredLogger) error {
	dirs := []string{paths.DataDir}
	if paths.SQLitePath != storage.MemoryPath {
		dirs = append(dirs, filepath.Dir(paths.SQLitePath))
	}

	for _, dir := range dirs {
		absPath, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", dir, err)
		}

		if err := os.MkdirAll(absPath, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w\n"+
				"  Remediation: Ensure the parent directory exists and is writable\n"+
				"  For Docker: Check volume mount permissions", dir, err)
		}

		testFile := filepath.Join(absPath, ".argus_write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
			return fmt.Errorf("directory %s is not writable: %w\n"+
				"  Remediation: Check file system permissions\n"+
				"  For bare metal: Run 'chmod -R u+w %s'", dir, err, absPath)
		}
		os.Remove(testFile)

		sugar.Infow("Data directory ready", "path", absPath)
	}
	return nil
}

// ClassifyConnectionError explains a failed connection to one of the
// service's network dependencies (NATS, Redis, Kafka)
func ClassifyConnectionError(service, addr string, err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to %s at %s timed out.\n"+
			"  Possible causes:\n"+
			"  - %s is starting up (wait and retry)\n"+
			"  - Network latency or firewall blocking the connection\n"+
			"  Remediation:\n"+
			"  - Verify network connectivity: nc -zv %s", service, addr, service, addr)
	}

	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(errStr, "connection refused") {
		return fmt.Sprintf("Connection refused by %s at %s.\n"+
			"  This usually means %s is not running.\n"+
			"  Remediation:\n"+
			"  - Start %s or disable it in config.yaml\n"+
			"  - Verify the address is correct in config.yaml", service, addr, service, service)
	}

	if strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup") {
		return fmt.Sprintf("Cannot resolve hostname in %s address %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname is correct\n"+
			"  - Check DNS configuration", service, addr)
	}

	if strings.Contains(errStr, "authorization") || strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "noauth") || strings.Contains(errStr, "password") {
		return fmt.Sprintf("Authentication failed for %s at %s.\n"+
			"  Remediation:\n"+
			"  - Verify the credentials in config.yaml or the secret store\n"+
			"  - Check ARGUS_* secret environment variables", service, addr)
	}

	return fmt.Sprintf("Failed to connect to %s at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure %s is running and accessible\n"+
		"  - Verify network connectivity", service, addr, err, service)
}

// ClassifySQLiteError explains a failure to open the SQLite database
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := strings.ToLower(err.Error())
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "access denied"):
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s",
			absPath, absPath, parentDir)

	case strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "sqlite_busy"):
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Possible causes:\n"+
			"  - Another Argus instance is running\n"+
			"  - A crashed process left a stale lock\n"+
			"  Remediation:\n"+
			"  - Check for running processes: ps aux | grep argus\n"+
			"  - Check for lock files: ls -la %s*", absPath, absPath)

	case strings.Contains(errStr, "disk full") || strings.Contains(errStr, "no space") || strings.Contains(errStr, "sqlite_full"):
		return fmt.Sprintf("Disk full - cannot write to SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s\n"+
			"  - Lower orchestrator.retain_completed or move the data directory", absPath, parentDir)

	case strings.Contains(errStr, "corrupt") || strings.Contains(errStr, "malformed"):
		return fmt.Sprintf("SQLite database at %s appears to be corrupted.\n"+
			"  CRITICAL: Backup any existing data before proceeding!\n"+
			"  Remediation:\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  - Restore from backup", absPath, absPath)

	case strings.Contains(errStr, "read-only"):
		return fmt.Sprintf("SQLite database location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Move the database to a writable location via ARGUS_SQLITE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to initialize SQLite database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable\n"+
		"  - Check disk space and permissions", absPath, err, parentDir)
}
