package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkw-stats/war-ingester/internal/bulk"
	"github.com/mkw-stats/war-ingester/internal/config"
	"github.com/mkw-stats/war-ingester/internal/metrics"
	"github.com/mkw-stats/war-ingester/internal/model"
	"github.com/mkw-stats/war-ingester/internal/ocr"
	"github.com/mkw-stats/war-ingester/internal/resolve"
	"github.com/mkw-stats/war-ingester/internal/roster"
	"github.com/mkw-stats/war-ingester/internal/war"
)

// bulkFanout caps the goroutines feeding one bulk session into the OCR
// engine. Admission is still governed by the tier permits; this only
// bounds memory for decoded images.
const bulkFanout = 8

// imageFanout caps concurrent express scans within one consumer batch.
// A single slow scan must not hold back the commands behind it.
const imageFanout = 4

// Worker consumes image and command events and drives the scan and
// roster pipelines. One worker instance serves every guild.
type Worker struct {
	rosters  *roster.Store
	wars     *war.Store
	sessions *bulk.Store
	appender *bulk.Appender
	engine   *ocr.Engine
	replier  *Replier
	pending  *pendingTable
	logger   *zap.Logger

	publicWebURL  string
	maxBulkImages int
	bulkThreshold int
	imageTopics   map[string]struct{}
	commands      map[string]command

	handleImageFn func(ctx context.Context, ev *ImageEvent)
}

func NewWorker(
	cfg *config.Config,
	rosters *roster.Store,
	wars *war.Store,
	sessions *bulk.Store,
	appender *bulk.Appender,
	engine *ocr.Engine,
	replier *Replier,
	logger *zap.Logger,
) *Worker {
	w := &Worker{
		rosters:       rosters,
		wars:          wars,
		sessions:      sessions,
		appender:      appender,
		engine:        engine,
		replier:       replier,
		pending:       newPendingTable(time.Duration(cfg.Bot.ConfirmTTLMins) * time.Minute),
		logger:        logger,
		publicWebURL:  cfg.API.PublicWebURL,
		maxBulkImages: cfg.Bot.MaxBulkImages,
		bulkThreshold: cfg.OCR.BulkThreshold,
		imageTopics:   make(map[string]struct{}, len(cfg.Kafka.ImageTopics)),
	}
	for _, t := range cfg.Kafka.ImageTopics {
		w.imageTopics[t] = struct{}{}
	}
	w.commands = commandRegistry()
	w.handleImageFn = w.handleImage
	return w
}

// Run drives the consumer loop until ctx is cancelled. Records are
// acknowledged for commit only after their handler returns, so commands
// are replayed rather than lost across a restart.
func (w *Worker) Run(ctx context.Context, consumer *EventConsumer) {
	records := make(chan []*kgo.Record, 4)
	handled := make(chan []*kgo.Record, 4)
	go consumer.Run(ctx, records, handled)

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-records:
			w.handleBatch(ctx, batch)
			select {
			case handled <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleBatch fans image scans out over a bounded pool while running
// commands inline in record order. It returns only once every handler
// has finished, so the batch is not marked for commit early.
func (w *Worker) handleBatch(ctx context.Context, batch []*kgo.Record) {
	var g errgroup.Group
	g.SetLimit(imageFanout)
	for _, rec := range batch {
		if _, ok := w.imageTopics[rec.Topic]; ok {
			var ev ImageEvent
			if err := json.Unmarshal(rec.Value, &ev); err != nil {
				w.logger.Error("bot: bad image event", zap.String("topic", rec.Topic), zap.Error(err))
				continue
			}
			g.Go(func() error {
				w.handleImageFn(ctx, &ev)
				return nil
			})
			continue
		}

		var ev CommandEvent
		if err := json.Unmarshal(rec.Value, &ev); err != nil {
			w.logger.Error("bot: bad command event", zap.String("topic", rec.Topic), zap.Error(err))
			continue
		}
		w.handleCommand(ctx, &ev)
	}
	g.Wait()
}

func (w *Worker) handleCommand(ctx context.Context, ev *CommandEvent) {
	cmd, ok := w.commands[ev.Command]
	if !ok {
		metrics.CommandsTotal.WithLabelValues(ev.Command, "unknown").Inc()
		w.Sendf(ctx, ev, "Unknown command %q. Try /help.", ev.Command)
		return
	}

	reply, err := cmd.run(ctx, w, ev)
	switch {
	case model.IsValidation(err):
		metrics.CommandsTotal.WithLabelValues(ev.Command, "rejected").Inc()
		w.Sendf(ctx, ev, "%s\nUsage: %s", err.Error(), cmd.usage)
	case err != nil:
		metrics.CommandsTotal.WithLabelValues(ev.Command, "error").Inc()
		w.logger.Error("bot: command failed",
			zap.String("command", ev.Command),
			zap.Int64("guild_id", ev.GuildID),
			zap.Error(err),
		)
		w.Sendf(ctx, ev, "Something went wrong running /%s. Try again in a moment.", ev.Command)
	default:
		metrics.CommandsTotal.WithLabelValues(ev.Command, "ok").Inc()
		if reply != "" {
			w.Sendf(ctx, ev, "%s", reply)
		}
	}
}

func (w *Worker) Sendf(ctx context.Context, ev *CommandEvent, format string, args ...any) {
	w.replier.Sendf(ctx, ev, format, args...)
}

// handleImage is the single-image express path: a screenshot posted in
// the configured OCR channel is scanned immediately and parked for
// confirmscan by its poster.
func (w *Worker) handleImage(ctx context.Context, ev *ImageEvent) {
	cfg, err := w.rosters.GetGuild(ctx, ev.GuildID)
	if err != nil {
		w.logger.Warn("bot: image from unconfigured guild", zap.Int64("guild_id", ev.GuildID))
		return
	}
	if cfg.OCRChannelID != ev.ChannelID {
		return
	}

	reply := func(format string, args ...any) {
		w.replier.Send(ctx, Reply{
			GuildID:   ev.GuildID,
			ChannelID: ev.ChannelID,
			UserID:    ev.UserID,
			Content:   fmt.Sprintf(format, args...),
		})
	}

	res := w.engine.Process(ctx, ocr.TierExpress, ev.Image)
	if res.Output.Err != nil {
		reply("Could not read %s: %v", ev.Filename, res.Output.Err)
		return
	}

	rows := ocr.ExtractRows(res.Output.Boxes)
	if len(rows) == 0 {
		reply("No player rows detected in %s.", ev.Filename)
		return
	}

	snap, err := w.rosters.Snapshot(ctx, ev.GuildID)
	if err != nil {
		w.logger.Error("bot: roster snapshot failed", zap.Int64("guild_id", ev.GuildID), zap.Error(err))
		reply("Could not load the roster, try again in a moment.")
		return
	}

	players, unresolved := resolveRows(snap, rows)
	if len(players) == 0 {
		reply("None of the detected rows matched a roster member in %s.", ev.Filename)
		return
	}

	scan := &pendingScan{
		ChannelID:  ev.ChannelID,
		MessageID:  ev.MessageID,
		Players:    players,
		RaceCount:  model.DefaultRaceCount,
		Unresolved: unresolved,
		At:         ev.Timestamp,
	}
	w.pending.put(ev.GuildID, ev.UserID, scan)
	reply("%s", formatScanTable(players, unresolved, scan.RaceCount))
}

// resolveRows maps OCR rows to roster names, dropping rows no roster
// member matches. Duplicate resolutions keep the first occurrence.
func resolveRows(snap *resolve.Snapshot, rows []ocr.Row) ([]model.WarPlayer, []string) {
	var players []model.WarPlayer
	var unresolved []string
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		name, ok := snap.Resolve(row.Name)
		if !ok {
			metrics.ResolveTotal.WithLabelValues("miss").Inc()
			unresolved = append(unresolved, row.Name)
			continue
		}
		if seen[name] {
			metrics.ResolveTotal.WithLabelValues("duplicate").Inc()
			continue
		}
		seen[name] = true
		metrics.ResolveTotal.WithLabelValues("hit").Inc()
		players = append(players, model.WarPlayer{Name: name, Score: row.Score})
	}
	return players, unresolved
}

// runBulkSession scans the batch in the background and streams results
// into the session through the batched appender. The user already holds
// the session link by the time this starts.
func (w *Worker) runBulkSession(ctx context.Context, ev *CommandEvent, token string, images []BulkImage) {
	tier := ocr.TierFor(len(images), w.bulkThreshold)

	snap, err := w.rosters.Snapshot(ctx, ev.GuildID)
	if err != nil {
		w.logger.Error("bot: roster snapshot failed", zap.Int64("guild_id", ev.GuildID), zap.Error(err))
		snap = resolve.NewSnapshot(nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkFanout)
	for _, img := range images {
		img := img
		g.Go(func() error {
			item := w.scanBulkImage(gctx, tier, snap, img)
			return w.appender.Enqueue(gctx, withToken(item, token))
		})
	}
	if err := g.Wait(); err != nil {
		w.logger.Error("bot: bulk session aborted",
			zap.String("session", token),
			zap.Int64("guild_id", ev.GuildID),
			zap.Error(err),
		)
		return
	}

	w.logger.Info("bot: bulk session scanned",
		zap.String("session", token),
		zap.Int64("guild_id", ev.GuildID),
		zap.Int("images", len(images)),
		zap.String("tier", tier.String()),
	)
	w.Sendf(ctx, ev, "Finished scanning %d images. Review them at %s", len(images), w.sessionURL(token))
}

func withToken(item bulk.Item, token string) bulk.Item {
	item.Token = token
	return item
}

// scanBulkImage turns one attachment into an appender item, a result on
// success and a failure row otherwise.
func (w *Worker) scanBulkImage(ctx context.Context, tier ocr.Tier, snap *resolve.Snapshot, img BulkImage) bulk.Item {
	ts := img.Timestamp
	fail := func(msg string) bulk.Item {
		return bulk.Item{Failure: &model.BulkFailure{
			ImageFilename:    img.Filename,
			ImageURL:         img.ImageURL,
			ErrorMessage:     msg,
			MessageTimestamp: &ts,
			DiscordMessageID: img.MessageID,
		}}
	}

	res := w.engine.Process(ctx, tier, img.Image)
	if res.Output.Err != nil {
		return fail(res.Output.Err.Error())
	}

	rows := ocr.ExtractRows(res.Output.Boxes)
	if len(rows) == 0 {
		return fail("no player rows detected")
	}

	detected := make([]model.DetectedPlayer, 0, len(rows))
	for _, row := range rows {
		dp := model.DetectedPlayer{
			Name:        row.Name,
			RawName:     row.Name,
			Score:       row.Score,
			RacesPlayed: model.DefaultRaceCount,
		}
		if name, ok := snap.Resolve(row.Name); ok {
			dp.Name = name
			dp.IsRosterMember = true
			metrics.ResolveTotal.WithLabelValues("hit").Inc()
		} else {
			metrics.ResolveTotal.WithLabelValues("miss").Inc()
		}
		detected = append(detected, dp)
	}

	rawBoxes, err := bulk.EncodeBoxes(res.Output.Boxes)
	if err != nil {
		w.logger.Warn("bot: encode raw boxes failed", zap.String("image", img.Filename), zap.Error(err))
		rawBoxes = nil
	}

	return bulk.Item{
		Result: &model.BulkResult{
			ImageFilename:    img.Filename,
			ImageURL:         img.ImageURL,
			DetectedPlayers:  detected,
			ReviewStatus:     model.ReviewPending,
			RaceCount:        model.DefaultRaceCount,
			MessageTimestamp: &ts,
		},
		RawBoxes: rawBoxes,
	}
}

func (w *Worker) sessionURL(token string) string {
	return fmt.Sprintf("%s/review/%s", w.publicWebURL, token)
}
