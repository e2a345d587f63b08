package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"davsync/internal/config"
	"davsync/internal/journal"
	"davsync/internal/logging"
	"davsync/internal/propagator"
	"davsync/internal/transport"
)

// SyncApp is the application layer between the CLI and the sync engine.
// It constructs all dependencies from config and manages the journal
// lifecycle on Close.
type SyncApp struct {
	cfg     *config.Config
	folder  *config.FolderConfig
	sync    config.SyncConfig
	journal *journal.Journal
	client  *transport.Client
	log     logging.Logger
	logFile *os.File
}

// SyncResult summarizes one propagation run.
type SyncResult struct {
	Status            propagator.Status
	Completed         []*propagator.Item
	AnotherSyncNeeded bool
	Duration          time.Duration
}

// FolderStatus reports the journal's bookkeeping for a folder.
type FolderStatus struct {
	JournalExists    bool
	FileRecords      int
	PendingDownloads int
	BlacklistEntries int
	PendingPolls     int
}

// New creates a fully wired SyncApp for one configured folder. The password
// overrides the config value when non-empty. The caller must call Close when
// done.
func New(cfg *config.Config, folderName, password string) (*SyncApp, error) {
	folder, err := cfg.Folder(folderName)
	if err != nil {
		return nil, err
	}

	syncCfg := cfg.EffectiveSync(config.EnvSnapshot())

	runID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &logging.SlogAdapter{L: slogger}

	if password == "" {
		password = cfg.Account.Password
	}
	baseURL, err := folderURL(cfg.Account.URL, folder.RemoteDir)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	client, err := transport.NewClient(baseURL, cfg.Account.Username, password, transport.Options{
		Timeout: time.Duration(syncCfg.TimeoutSeconds) * time.Second,
		Logger:  log,
	})
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating webdav client: %w", err)
	}

	return &SyncApp{
		cfg:     cfg,
		folder:  folder,
		sync:    syncCfg,
		journal: journal.New(folder.LocalDir, log),
		client:  client,
		log:     log,
		logFile: logFile,
	}, nil
}

// folderURL joins the account's WebDAV root with the folder's remote path.
func folderURL(accountURL, remoteDir string) (string, error) {
	u, err := url.Parse(accountURL)
	if err != nil {
		return "", fmt.Errorf("parsing account url: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if remoteDir != "" {
		u.Path += strings.Trim(remoteDir, "/") + "/"
	}
	return u.String(), nil
}

// Sync runs one full propagation pass: replay outstanding poll jobs, plan
// the item vector from the local tree and the journal, propagate, then sweep
// stale journal state.
func (a *SyncApp) Sync(ctx context.Context) (*SyncResult, error) {
	start := time.Now()

	var limiter *rate.Limiter
	if a.sync.BandwidthLimitBytes > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.sync.BandwidthLimitBytes), int(a.sync.BandwidthLimitBytes))
	}

	result := &SyncResult{}
	p := propagator.New(a.journal, a.client, a.folder.LocalDir, propagator.Options{
		Settings: propagator.Settings{
			MaxParallel:            a.sync.MaxParallel,
			ChunkSize:              a.sync.ChunkSize,
			FreeSpaceLimit:         a.sync.FreeSpaceBytes,
			CriticalFreeSpaceLimit: a.sync.CriticalFreeSpaceBytes,
		},
		SharedRoot:  a.folder.SharedRoot,
		RateLimiter: limiter,
		Logger:      a.log,
		OnItemCompleted: func(item *propagator.Item) {
			result.Completed = append(result.Completed, item)
		},
	})

	if err := p.ReplayPolls(ctx); err != nil {
		a.log.Warn("replaying poll jobs", "error", err)
	}

	items, seen, err := planItems(a.folder.LocalDir, a.folder.Ignore, a.journal)
	if err != nil {
		return nil, fmt.Errorf("planning sync of %s: %w", a.folder.LocalDir, err)
	}
	a.log.Info("starting propagation", "folder", a.folder.LocalDir, "items", len(items))

	status, err := p.Run(ctx, items)
	if err != nil {
		return nil, err
	}

	if err := p.CleanupJournal(seen); err != nil {
		a.log.Warn("journal cleanup", "error", err)
	}

	result.Status = status
	result.AnotherSyncNeeded = p.AnotherSyncNeeded()
	result.Duration = time.Since(start)
	return result, nil
}

// Status reports the folder's journal bookkeeping without touching the
// server.
func (a *SyncApp) Status() (*FolderStatus, error) {
	st := &FolderStatus{JournalExists: a.journal.Exists()}
	if !st.JournalExists {
		return st, nil
	}

	var err error
	if st.FileRecords, err = a.journal.FileRecordCount(); err != nil {
		return nil, err
	}
	if st.PendingDownloads, err = a.journal.DownloadInfoCount(); err != nil {
		return nil, err
	}
	if st.BlacklistEntries, err = a.journal.BlacklistEntryCount(); err != nil {
		return nil, err
	}
	polls, err := a.journal.PollInfos()
	if err != nil {
		return nil, err
	}
	st.PendingPolls = len(polls)
	return st, nil
}

// BlacklistEntries lists the folder's error blacklist.
func (a *SyncApp) BlacklistEntries() ([]journal.BlacklistEntry, error) {
	return a.journal.BlacklistEntries()
}

// WipeBlacklist clears the error blacklist and returns the number of entries
// removed.
func (a *SyncApp) WipeBlacklist() (int, error) {
	return a.journal.WipeBlacklist()
}

// CheckServer probes the account's server status.php.
func (a *SyncApp) CheckServer(ctx context.Context, serverURL string) (*transport.ServerStatus, error) {
	return a.client.CheckServer(ctx, serverURL)
}

// Close commits and closes the journal and releases the log file.
func (a *SyncApp) Close() error {
	a.journal.Close()
	if a.logFile != nil {
		a.logFile.Close()
	}
	return nil
}
