package chromium

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	pkgerrors "github.com/pkg/errors"

	"github.com/liuxd6825/pageframes/common"
	"github.com/liuxd6825/pageframes/config"
	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/log"
	"github.com/liuxd6825/pageframes/tracing"
)

const tracesShutdownTimeout = 5 * time.Second

// Page is a page target of a remote browser whose frames are tracked by a
// FrameManager.
type Page struct {
	fm     *common.FrameManager
	tp     *tracing.TracerProvider
	cancel context.CancelFunc
	logger *log.Logger
}

// Attach opens a new page in the browser listening at cfg.WSURL and starts
// feeding its events into a new FrameManager. When cfg.Traces is set, frame
// operations are exported to the configured OpenTelemetry collector.
func Attach(
	ctx context.Context, cfg config.Config, logger *log.Logger, newContext ContextFactory,
	opts ...common.FrameManagerOption,
) (*Page, error) {
	if !cfg.WSURL.Valid || cfg.WSURL.String == "" {
		return nil, errors.New("attaching to browser: no websocket URL configured")
	}
	wsURL := cfg.WSURL.String

	tp, err := tracing.FromConfigLine(ctx, cfg.Traces.String)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "configuring traces")
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, wsURL)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debugf("chromedp", format, args...)
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Errorf("chromedp", format, args...)
		}),
	)
	cancel := func() {
		tabCancel()
		allocCancel()
	}
	pg := &Page{tp: tp, cancel: cancel, logger: logger}

	// the first run creates the tab
	if err := chromedp.Run(tabCtx); err != nil {
		pg.release()
		return nil, pkgerrors.Wrapf(err, "attaching to %s", wsURL)
	}

	opts = append([]common.FrameManagerOption{
		common.WithNetworkIdleWindow(cfg.IdleWindow()),
		common.WithTracerProvider(tp),
	}, opts...)
	nav := NewNavigator(chromedp.FromContext(tabCtx).Target, logger)
	fm := common.NewFrameManager(nav, common.TimeoutSettingsFromConfig(cfg), logger, opts...)
	t := NewEventTranslator(fm, logger, newContext)
	chromedp.ListenTarget(tabCtx, t.Handle)

	pg.fm = fm
	err = chromedp.Run(tabCtx,
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			t.HandleFrameTree(tree)
			return nil
		}),
		// re-enabling replays the contexts created before we listened
		runtime.Disable(),
		runtime.Enable(),
	)
	if err != nil {
		pg.Close()
		return nil, pkgerrors.Wrap(err, "initializing page")
	}

	go func() {
		<-tabCtx.Done()
		fm.Close(errext.ErrTargetClosed)
	}()

	return pg, nil
}

// FrameManager returns the manager tracking the frames of the page.
func (p *Page) FrameManager() *common.FrameManager {
	return p.fm
}

// MainFrame returns the main frame of the page.
func (p *Page) MainFrame() *common.Frame {
	return p.fm.MainFrame()
}

// Close closes the page and its tab and flushes pending spans.
func (p *Page) Close() {
	p.fm.Close(errext.ErrTargetClosed)
	p.release()
}

func (p *Page) release() {
	p.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), tracesShutdownTimeout)
	defer cancel()
	if err := p.tp.Shutdown(ctx); err != nil {
		p.logger.Warnf("Page:Close", "shutting down tracer provider: %v", err)
	}
}
