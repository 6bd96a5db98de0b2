package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"cellnode/internal/bank"
	"cellnode/internal/filexfer"
	"cellnode/internal/firmware"
	"cellnode/internal/ftp"
	"cellnode/internal/modem"
	"cellnode/internal/node"
	"cellnode/internal/ntp"
	"cellnode/internal/ota"
	"cellnode/internal/store"
)

// storage is the persisted half of the node: the state database and the
// image banks. It needs no modem.
type storage struct {
	db    *store.BoltStore
	banks *bank.Banks
}

func openStorage(cfg *Config, logger *slog.Logger) (*storage, error) {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	banks, err := bank.Open(cfg.ImagesDir, db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open banks: %w", err)
	}
	if err := provision(db, banks, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &storage{db: db, banks: banks}, nil
}

func (s *storage) Close() error {
	return s.db.Close()
}

// provision seeds slot a with the running executable on first start, so the
// boot pointer always names an intact image.
func provision(db *store.BoltStore, banks *bank.Banks, logger *slog.Logger) error {
	if _, err := db.GetBoot(); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read boot record: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	f, err := os.Open(exe)
	if err != nil {
		return fmt.Errorf("open executable: %w", err)
	}
	defer f.Close()

	running := firmware.Running()
	if err := banks.Seed(store.SlotA, running, f); err != nil {
		return err
	}
	logger.Info("provisioned factory image", "slot", store.SlotA, "firmware", running.String())
	return nil
}

func dialModem(ctx context.Context, cfg *Config, logger *slog.Logger) (*modem.Engine, error) {
	dialer := modem.SerialDialer{
		Port:        cfg.Modem.Port,
		BaudRate:    cfg.Modem.Baud,
		ReadTimeout: cfg.Modem.ReadTimeout.D(),
	}
	t, err := dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("modem port open", "port", cfg.Modem.Port, "baud", cfg.Modem.Baud)
	return modem.NewEngine(t, modem.NewDispatcher(logger), logger), nil
}

func newTransfer(e *modem.Engine, cfg *Config, logger *slog.Logger) *filexfer.Transfer {
	return filexfer.New(e, filexfer.Config{
		ChunkSize:    cfg.Transfer.ChunkSize,
		ChunkTimeout: cfg.Transfer.ChunkTimeout.D(),
		Retries:      cfg.Transfer.Retries,
	}, logger)
}

// app is the fully wired node.
type app struct {
	*storage
	engine *modem.Engine
	node   *node.Node
}

func openApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	st, err := openStorage(cfg, logger)
	if err != nil {
		return nil, err
	}
	engine, err := dialModem(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	transfer := newTransfer(engine, cfg, logger)
	ftpClient := ftp.NewClient(engine, engine.Dispatcher(), ftp.Config{
		Host:            cfg.FTP.Host,
		User:            cfg.FTP.User,
		Password:        cfg.FTP.Password,
		Passive:         cfg.FTP.Passive,
		LoginTimeout:    cfg.FTP.LoginTimeout.D(),
		TransferTimeout: cfg.FTP.TransferTimeout.D(),
	}, logger)
	source := ota.NewModemSource(ftpClient, transfer, cfg.OTA.Manifest, logger)

	running := firmware.Running()
	updater := ota.New(running, source, st.banks, st.db, newRebooter(cfg.OTA.RebootCommand, logger), ota.Config{
		Image:     cfg.OTA.Image,
		SyncEvery: cfg.OTA.SyncEvery,
	}, logger)
	syncer := ntp.NewSyncer(engine, ntp.SystemClock{Adjust: cfg.NTP.SetClock}, ntp.Config{
		Server:  cfg.NTP.Server,
		Timeout: cfg.NTP.Timeout.D(),
	}, logger)

	n := node.New(engine, syncer, updater, st.banks, node.NewEventBus(logger), running, node.Config{
		ID:            cfg.NodeID,
		PollInterval:  cfg.Modem.PollInterval.D(),
		CheckInterval: cfg.OTA.CheckInterval.D(),
		SyncInterval:  cfg.NTP.Interval.D(),
		QueueSize:     cfg.QueueSize,
	}, logger)

	return &app{storage: st, engine: engine, node: n}, nil
}

func (a *app) Close() error {
	err := a.engine.Close()
	if cerr := a.storage.Close(); err == nil {
		err = cerr
	}
	return err
}

// commandRebooter runs a host command to restart into the selected image.
type commandRebooter struct {
	argv   []string
	logger *slog.Logger
}

// newRebooter returns nil when no command is configured; the bootloader
// then picks up the new image on the next restart.
func newRebooter(argv []string, logger *slog.Logger) ota.Rebooter {
	if len(argv) == 0 {
		return nil
	}
	return &commandRebooter{argv: argv, logger: logger}
}

func (r *commandRebooter) Reboot(ctx context.Context) error {
	r.logger.Info("rebooting", "cmd", r.argv)
	out, err := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reboot %s: %w: %s", r.argv[0], err, out)
	}
	return nil
}
