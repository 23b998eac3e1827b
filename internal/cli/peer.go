package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automoto/posemesh/directory"
	"github.com/automoto/posemesh/network"
	"github.com/automoto/posemesh/peerstate"
	"github.com/automoto/posemesh/session"
	"github.com/automoto/posemesh/shared/gamemath"
	"github.com/automoto/posemesh/shared/messages"
	"github.com/automoto/posemesh/systems"
	"github.com/automoto/posemesh/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"github.com/yohamta/donburi"
	"golang.org/x/sync/errgroup"
)

const (
	reportInterval = time.Second
	statsInterval  = 10 * time.Second
)

var (
	peerRoom      string
	peerListen    string
	peerDirectory string
	peerName      string
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Join a room and replicate poses",
	Long: `Joins the configured room through the directory, walks a local avatar
around a fixed loop and publishes its pose. Remote peers are smoothed and
their render transforms logged once per second.`,
	Args: cobra.NoArgs,
	RunE: runPeer,
}

func init() {
	peerCmd.Flags().StringVarP(&peerRoom, "room", "r", "", "room to join (default from POSEMESH_ROOM_ID)")
	peerCmd.Flags().StringVarP(&peerListen, "listen", "l", "", "mesh listen address (default from POSEMESH_LISTEN_ADDR)")
	peerCmd.Flags().StringVarP(&peerDirectory, "directory", "d", "", "directory base URL (default from POSEMESH_DIRECTORY_URL)")
	peerCmd.Flags().StringVarP(&peerName, "name", "n", "", "display name published with the pose")
	rootCmd.AddCommand(peerCmd)
}

func applyPeerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("room") {
		cfg.RoomID = peerRoom
	}
	if f.Changed("listen") {
		cfg.ListenAddr = peerListen
	}
	if f.Changed("directory") {
		cfg.DirectoryURL = peerDirectory
	}
	if f.Changed("name") {
		cfg.Name = peerName
	}
}

func runPeer(cmd *cobra.Command, args []string) error {
	applyPeerFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Process{
		Service: "posemesh-peer",
		Version: Version,
		App:     cfg.AppID,
		Room:    cfg.RoomID,
	}, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("[peer] tracing shutdown: %v", err)
		}
	}()

	mesh := network.NewWsMesh(network.WsMeshConfig{
		ListenAddr:        cfg.ListenAddr,
		AdvertiseURL:      cfg.AdvertiseURL,
		Directory:         directory.NewClient(cfg.DirectoryURL),
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	store := peerstate.NewStore()
	sess := session.New(mesh, store, session.Config{StaleTimeout: cfg.StaleTimeout})

	if err := joinWithRetry(ctx, sess, cfg.Room(), cfg.JoinTimeout); err != nil {
		return err
	}
	defer func() {
		if err := sess.Leave(); err != nil {
			log.Printf("[peer] leave: %v", err)
		}
	}()
	log.Printf("[peer] joined %s as %s", cfg.Room(), sess.Self())

	joins := sess.OnPeerJoin(func(id messages.PeerID) { log.Printf("[peer] %s joined", id) })
	defer joins.Cancel()
	leaves := sess.OnPeerLeave(func(id messages.PeerID) { log.Printf("[peer] %s left", id) })
	defer leaves.Cancel()

	world := donburi.NewWorld()
	wanderer := systems.NewWanderer(world, store, patrolLoop(), cfg.WanderSpeed, cfg.Appearance())
	publisher := systems.NewPublisher(sess, cfg.PublishRate)
	defer publisher.Close()
	reconciler := systems.NewReconciler(store, world, systems.ReconcilerConfig{
		SnapDistance:  cfg.SnapDistance,
		SmoothingRate: cfg.SmoothingRate,
	})

	var lastReport time.Time
	loop := systems.NewFrameLoop(cfg.RenderRate,
		func(dt float64, _ time.Time) { wanderer.Update(dt) },
		func(_ float64, now time.Time) { publisher.Tick(now) },
		func(dt float64, now time.Time) {
			out := reconciler.Tick(dt)
			if now.Sub(lastReport) < reportInterval {
				return
			}
			lastReport = now
			for _, pt := range out {
				p := pt.Transform.Position
				log.Printf("[render] %s pos=(%.2f, %.2f, %.2f) yaw=%.2f", pt.ID, p.X, p.Y, p.Z, pt.Transform.Yaw)
			}
		},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return logStats(gctx, sess, publisher) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("[peer] shutting down")
	return nil
}

// joinWithRetry retries transport failures with exponential backoff until
// timeout. Anything else, like a bad room config, fails immediately.
func joinWithRetry(ctx context.Context, sess *session.Session, room network.JoinConfig, timeout time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := sess.Join(ctx, room)
		if err != nil && !errors.Is(err, session.ErrTransport) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("[peer] join failed, retrying in %s: %v", next.Round(time.Millisecond), err)
		}),
	)
	if err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	return nil
}

func logStats(ctx context.Context, sess *session.Session, pub *systems.Publisher) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t := sess.Metrics().Totals()
			log.Printf("[stats] members=%d broadcasts=%d sent=%d received=%d malformed=%d stale=%d dropped=%d",
				len(sess.Members()), pub.Sent(), t.Sent, t.Received, t.Malformed, t.Stale, t.Dropped)
		}
	}
}

// patrolLoop is the square the local avatar walks.
func patrolLoop() []gamemath.Vec3 {
	return []gamemath.Vec3{
		{X: 0, Z: 0},
		{X: 8, Z: 0},
		{X: 8, Z: 8},
		{X: 0, Z: 8},
	}
}
