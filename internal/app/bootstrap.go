package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"toastboard/internal/archive"
	"toastboard/internal/board"
	"toastboard/internal/broker"
	"toastboard/internal/config"
	"toastboard/internal/eventbus"
	"toastboard/internal/registry"
	"toastboard/internal/store"
	logx "toastboard/pkg/logx"
)

const brokerOpenTimeout = 15 * time.Second

// components are the long-lived collaborators the app owns and closes.
type components struct {
	instance string
	store    store.Store
	broker   broker.Broker
	registry registry.Registry
	archive  *archive.Writer
	board    *board.Board
}

// close releases everything opened so far, in reverse order.
func (c *components) close() error {
	var errs []error
	if c.board != nil {
		c.board.Close()
	}
	if c.archive != nil {
		errs = append(errs, c.archive.Close())
	}
	if c.broker != nil {
		errs = append(errs, c.broker.Close())
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	return errors.Join(errs...)
}

// openComponents opens store, broker, registry and archive and builds the
// board on top of them. On error nothing is left open.
func openComponents(ctx context.Context, cfg *config.Config, bus eventbus.Bus, log logx.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			_ = c.close()
		}
	}()

	if c.instance, err = instanceName(cfg); err != nil {
		return nil, err
	}

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	if c.store, err = store.Open(sc, log.With(logx.String("comp", "store"))); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("store ready", logx.String("driver", sc.Driver))

	bc, err := mapBrokerConfig(cfg, c.instance)
	if err != nil {
		return nil, err
	}
	octx, cancel := context.WithTimeout(ctx, brokerOpenTimeout)
	c.broker, err = broker.Open(octx, bc, log.With(logx.String("comp", "broker")))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("open broker: %w", err)
	}
	if c.broker == nil {
		log.Info("broker disabled; running single-instance")
	} else {
		log.Info("broker ready", logx.String("driver", bc.Driver))
	}

	rc, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	if c.registry, err = registry.Open(rc, log.With(logx.String("comp", "registry"))); err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	// arch stays a nil interface when disabled.
	var arch board.Archiver
	if dir, ok := mapArchiveConfig(cfg); ok {
		c.archive = archive.NewWriter(dir)
		arch = c.archive
		log.Info("archive enabled", logx.String("dir", dir))
	}

	boardCfg, err := mapBoardConfig(cfg, c.instance)
	if err != nil {
		return nil, err
	}
	deps := board.Deps{
		Store:    c.store,
		Broker:   c.broker,
		Registry: c.registry,
		Bus:      bus,
		Archive:  arch,
		Log:      log.With(logx.String("comp", "board")),
	}
	if c.board, err = board.New(boardCfg, deps); err != nil {
		return nil, err
	}
	return c, nil
}
