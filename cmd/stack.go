// -- cmd/stack.go --
package cmd

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/arena-bridge/internal/browser"
	"github.com/xkilldash9x/arena-bridge/internal/config"
	"github.com/xkilldash9x/arena-bridge/internal/discovery"
	"github.com/xkilldash9x/arena-bridge/internal/netgate"
	"github.com/xkilldash9x/arena-bridge/internal/orchestrator"
	"github.com/xkilldash9x/arena-bridge/internal/uploader"
)

// stack is the assembled bridge: one browser session, one outbound gateway,
// and the services layered on them. Shared by the serve command and the
// one-shot commands.
type stack struct {
	cfg          *config.Config
	logger       *zap.Logger
	driver       *browser.ChromeDriver
	gateway      *netgate.Gateway
	discovery    *discovery.Service
	uploader     *uploader.Uploader
	orchestrator *orchestrator.Orchestrator
}

func buildStack(cfg *config.Config, logger *zap.Logger) *stack {
	driver := browser.NewChromeDriver(cfg, logger)
	gateway := netgate.New(cfg.Network, logger)
	disc := discovery.New(cfg, driver, gateway, logger)
	up := uploader.New(cfg, gateway, disc, driver, logger)
	orch := orchestrator.New(cfg, gateway, driver, disc, up, logger)

	return &stack{
		cfg:          cfg,
		logger:       logger,
		driver:       driver,
		gateway:      gateway,
		discovery:    disc,
		uploader:     up,
		orchestrator: orch,
	}
}

// bootstrap brings the browser session up. Everything else is lazy.
func (s *stack) bootstrap(ctx context.Context) error {
	return s.driver.Bootstrap(ctx)
}

func (s *stack) close(ctx context.Context) {
	if err := s.driver.Shutdown(ctx); err != nil {
		s.logger.Warn("Browser shutdown reported an error", zap.Error(err))
	}
}
