package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mkw-stats/war-ingester/internal/model"
	"github.com/mkw-stats/war-ingester/internal/ocr"
	"github.com/mkw-stats/war-ingester/internal/war"
)

// command is one slash command. run returns the reply text; validation
// errors are echoed to the user with the usage line, anything else is
// logged and replaced with a generic apology.
type command struct {
	usage string
	run   func(ctx context.Context, w *Worker, ev *CommandEvent) (string, error)
}

func commandRegistry() map[string]command {
	return map[string]command{
		"setup":                  {"/setup guild_name:<name> [teams:<a,b,...>]", cmdSetup},
		"setchannel":             {"/setchannel [channel_id:<id>]", cmdSetChannel},
		"addwar":                 {"/addwar player_scores:<Name:Score,...> [races:<1-24>]", cmdAddWar},
		"appendplayertowar":      {"/appendplayertowar war_id:<id> player_scores:<Name:Score,...>", cmdAppendPlayerToWar},
		"removewar":              {"/removewar war_id:<id>", cmdRemoveWar},
		"showallwars":            {"/showallwars [page:<n>]", cmdShowAllWars},
		"addplayer":              {"/addplayer name:<name> [status:member|trial|ally]", cmdAddPlayer},
		"removeplayer":           {"/removeplayer name:<name>", cmdRemovePlayer},
		"setmemberstatus":        {"/setmemberstatus name:<name> status:member|trial|ally|kicked", cmdSetMemberStatus},
		"addteam":                {"/addteam team:<name>", cmdAddTeam},
		"removeteam":             {"/removeteam team:<name>", cmdRemoveTeam},
		"renameteam":             {"/renameteam from:<name> to:<name>", cmdRenameTeam},
		"assignplayers":          {"/assignplayers players:<a,b,...> team:<name>", cmdAssignPlayers},
		"unassignplayerfromteam": {"/unassignplayerfromteam name:<name>", cmdUnassignPlayer},
		"showallteams":           {"/showallteams", cmdShowAllTeams},
		"showspecificteamroster": {"/showspecificteamroster team:<name>", cmdTeamRoster},
		"roster":                 {"/roster [include_inactive:true]", cmdRoster},
		"showtrials":             {"/showtrials", cmdShowTrials},
		"showkicked":             {"/showkicked", cmdShowKicked},
		"addnickname":            {"/addnickname name:<name> nickname:<nick>", cmdAddNickname},
		"removenickname":         {"/removenickname name:<name> nickname:<nick>", cmdRemoveNickname},
		"nicknamesfor":           {"/nicknamesfor name:<name>", cmdNicknamesFor},
		"stats":                  {"/stats [player:<name>] [sortby:<key>] [lastxwars:<n>]", cmdStats},
		"scanimage":              {"/scanimage (attach one screenshot)", cmdScanImage},
		"confirmscan":            {"/confirmscan [races:<1-24>]", cmdConfirmScan},
		"rejectscan":             {"/rejectscan", cmdRejectScan},
		"bulkscanimage":          {"/bulkscanimage (attach screenshots)", cmdBulkScanImage},
		"debugocr":               {"/debugocr (attach one screenshot)", cmdDebugOCR},
		"checkpermissions":       {"/checkpermissions [channel:<id>]", cmdCheckPermissions},
		"help":                   {"/help", cmdHelp},
	}
}

func arg(ev *CommandEvent, key string) string {
	return strings.TrimSpace(ev.Args[key])
}

func requireArg(ev *CommandEvent, key string) (string, error) {
	v := arg(ev, key)
	if v == "" {
		return "", model.Validationf("%s is required", key)
	}
	return v, nil
}

func intArg(ev *CommandEvent, key string, def int) (int, error) {
	v := arg(ev, key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, model.Validationf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func int64Arg(ev *CommandEvent, key string) (int64, error) {
	v, err := requireArg(ev, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, model.Validationf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cmdSetup(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	name, err := requireArg(ev, "guild_name")
	if err != nil {
		return "", err
	}
	cfg := model.GuildConfig{
		GuildID:   ev.GuildID,
		GuildName: name,
		TeamNames: splitList(arg(ev, "teams")),
		IsActive:  true,
	}
	if err := w.rosters.SetupGuild(ctx, cfg); err != nil {
		return "", err
	}
	return fmt.Sprintf("Guild %q configured. Set an OCR channel with /setchannel.", name), nil
}

func cmdSetChannel(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	channelID := ev.ChannelID
	if raw := arg(ev, "channel_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", model.Validationf("channel_id must be an integer, got %q", raw)
		}
		channelID = id
	}
	if err := w.rosters.SetOCRChannel(ctx, ev.GuildID, channelID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Screenshots posted in channel %d will now be scanned.", channelID), nil
}

func cmdAddWar(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	raw, err := requireArg(ev, "player_scores")
	if err != nil {
		return "", err
	}
	players, err := ParseScores(raw)
	if err != nil {
		return "", err
	}
	races, err := intArg(ev, "races", model.DefaultRaceCount)
	if err != nil {
		return "", err
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	added, err := w.wars.AddWar(ctx, ev.GuildID, players, races, at, "manual")
	if err != nil {
		return "", err
	}
	return formatWar(added), nil
}

func cmdAppendPlayerToWar(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	warID, err := int64Arg(ev, "war_id")
	if err != nil {
		return "", err
	}
	raw, err := requireArg(ev, "player_scores")
	if err != nil {
		return "", err
	}
	players, err := ParseScores(raw)
	if err != nil {
		return "", err
	}
	updated, err := w.wars.AppendPlayers(ctx, ev.GuildID, warID, players)
	if err != nil {
		return "", err
	}
	return formatWar(updated), nil
}

func cmdRemoveWar(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	warID, err := int64Arg(ev, "war_id")
	if err != nil {
		return "", err
	}
	if err := w.wars.RemoveWar(ctx, ev.GuildID, warID); err != nil {
		return "", err
	}
	return fmt.Sprintf("War #%d removed and player stats rolled back.", warID), nil
}

func cmdShowAllWars(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	page, err := intArg(ev, "page", 1)
	if err != nil {
		return "", err
	}
	wars, total, err := w.wars.ListWars(ctx, ev.GuildID, page, 10)
	if err != nil {
		return "", err
	}
	return formatWarList(wars, total, page), nil
}

func cmdAddPlayer(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	name, err := requireArg(ev, "name")
	if err != nil {
		return "", err
	}
	status := model.StatusMember
	if raw := arg(ev, "status"); raw != "" {
		if !model.ValidMemberStatus(raw) {
			return "", model.Validationf("status must be member, trial or ally, got %q", raw)
		}
		status = model.MemberStatus(raw)
	}
	p, err := w.rosters.CreatePlayer(ctx, ev.GuildID, name, status)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Added %s as %s.", p.Name, p.MemberStatus), nil
}

func cmdRemovePlayer(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	name, err := requireArg(ev, "name")
	if err != nil {
		return "", err
	}
	if err := w.rosters.RemovePlayer(ctx, ev.GuildID, name); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed %s from the roster. Their war history is kept.", name), nil
}

func cmdSetMemberStatus(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	name, err := requireArg(ev, "name")
	if err != nil {
		return "", err
	}
	raw, err := requireArg(ev, "status")
	if err != nil {
		return "", err
	}
	if !model.ValidMemberStatus(raw) {
		return "", model.Validationf("status must be member, trial, ally or kicked, got %q", raw)
	}
	if err := w.rosters.SetMemberStatus(ctx, ev.GuildID, name, model.MemberStatus(raw)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s is now %s.", name, raw), nil
}

func cmdAddTeam(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	team, err := requireArg(ev, "team")
	if err != nil {
		return "", err
	}
	if err := w.rosters.AddTeam(ctx, ev.GuildID, team); err != nil {
		return "", err
	}
	return fmt.Sprintf("Team %q created.", team), nil
}

func cmdRemoveTeam(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	team, err := requireArg(ev, "team")
	if err != nil {
		return "", err
	}
	if err := w.rosters.RemoveTeam(ctx, ev.GuildID, team); err != nil {
		return "", err
	}
	return fmt.Sprintf("Team %q removed; its players are now unassigned.", team), nil
}

func cmdRenameTeam(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	from, err := requireArg(ev, "from")
	if err != nil {
		return "", err
	}
	to, err := requireArg(ev, "to")
	if err != nil {
		return "", err
	}
	if err := w.rosters.RenameTeam(ctx, ev.GuildID, from, to); err != nil {
		return "", err
	}
	return fmt.Sprintf("Team %q renamed to %q.", from, to), nil
}

func cmdAssignPlayers(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	raw, err := requireArg(ev, "players")
	if err != nil {
		return "", err
	}
	team, err := requireArg(ev, "team")
	if err != nil {
		return "", err
	}
	names := splitList(raw)
	if len(names) == 0 {
		return "", model.Validationf("players must name at least one player")
	}
	if err := w.rosters.AssignTeam(ctx, ev.GuildID, names, team); err != nil {
		return "", err
	}
	return fmt.Sprintf("Assigned %s to %q.", strings.Join(names, ", "), team), nil
}

func cmdUnassignPlayer(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	name, err := requireArg(ev, "name")
	if err != nil {
		return "", err
	}
	if err := w.rosters.UnassignTeam(ctx, ev.GuildID, name); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s is no longer on a team.", name), nil
}

func cmdShowAllTeams(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	cfg, err := w.rosters.GetGuild(ctx, ev.GuildID)
	if err != nil {
		return "", err
	}
	players, err := w.rosters.ListPlayers(ctx, ev.GuildID, false)
	if err != nil {
		return "", err
	}

	byTeam := make(map[string][]string)
	for _, p := range players {
		byTeam[p.Team] = append(byTeam[p.Team], p.Name)
	}
	teams := append([]string{}, cfg.TeamNames...)
	sort.Strings(teams)
	teams = append(teams, model.UnassignedTeam)

	var b strings.Builder
	for _, team := range teams {
		members := byTeam[team]
		if team == model.UnassignedTeam && len(members) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s (%d): %s\n", team, len(members), strings.Join(members, ", "))
	}
	if b.Len() == 0 {
		return "No teams configured. Create one with /addteam.", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func cmdTeamRoster(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	team, err := requireArg(ev, "team")
	if err != nil {
		return "", err
	}
	players, err := w.rosters.TeamRoster(ctx, ev.GuildID, team)
	if err != nil {
		return "", err
	}
	return formatRoster(team, players), nil
}

func cmdRoster(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	includeInactive := arg(ev, "include_inactive") == "true"
	players, err := w.rosters.ListPlayers(ctx, ev.GuildID, includeInactive)
	if err != nil {
		return "", err
	}
	return formatRoster("Roster", players), nil
}

func cmdShowTrials(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	players, err := w.rosters.ListPlayersByStatus(ctx, ev.GuildID, model.StatusTrial)
	if err != nil {
		return "", err
	}
	return formatRoster("Trials", players), nil
}

func cmdShowKicked(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	players, err := w.rosters.ListPlayersByStatus(ctx, ev.GuildID, model.StatusKicked)
	if err != nil {
		return "", err
	}
	return formatRoster("Kicked", players), nil
}

func cmdAddNickname(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	name, err := requireArg(ev, "name")
	if err != nil {
		return "", err
	}
	nick, err := requireArg(ev, "nickname")
	if err != nil {
		return "", err
	}
	if err := w.rosters.AddNickname(ctx, ev.GuildID, name, nick); err != nil {
		return "", err
	}
	return fmt.Sprintf("%q now resolves to %s.", nick, name), nil
}

func cmdRemoveNickname(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	name, err := requireArg(ev, "name")
	if err != nil {
		return "", err
	}
	nick, err := requireArg(ev, "nickname")
	if err != nil {
		return "", err
	}
	if err := w.rosters.RemoveNickname(ctx, ev.GuildID, name, nick); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed nickname %q from %s.", nick, name), nil
}

func cmdNicknamesFor(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	name, err := requireArg(ev, "name")
	if err != nil {
		return "", err
	}
	nicks, err := w.rosters.Nicknames(ctx, ev.GuildID, name)
	if err != nil {
		return "", err
	}
	if len(nicks) == 0 {
		return fmt.Sprintf("%s has no nicknames.", name), nil
	}
	return fmt.Sprintf("%s: %s", name, strings.Join(nicks, ", ")), nil
}

func cmdStats(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	if name := arg(ev, "player"); name != "" {
		ps, err := w.wars.PlayerStats(ctx, ev.GuildID, name, 5)
		if err != nil {
			return "", err
		}
		return formatPlayerStats(ps), nil
	}

	sortKey, known := war.SortKey(arg(ev, "sortby"))
	if !known && arg(ev, "sortby") != "" {
		return "", model.Validationf("unknown sort %q", arg(ev, "sortby"))
	}
	lastN, err := intArg(ev, "lastxwars", 0)
	if err != nil {
		return "", err
	}
	rows, err := w.wars.Leaderboard(ctx, ev.GuildID, sortKey, 10, lastN)
	if err != nil {
		return "", err
	}
	return formatLeaderboard(rows, sortKey), nil
}

func cmdScanImage(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	if len(ev.Images) != 1 {
		return "", model.Validationf("attach exactly one screenshot")
	}
	img := ev.Images[0]
	w.handleImageFromCommand(ctx, ev, img)
	return "", nil
}

// handleImageFromCommand routes an explicit scan command through the
// same express path as channel uploads.
func (w *Worker) handleImageFromCommand(ctx context.Context, ev *CommandEvent, img BulkImage) {
	w.handleImage(ctx, &ImageEvent{
		GuildID:   ev.GuildID,
		ChannelID: ev.ChannelID,
		UserID:    ev.UserID,
		MessageID: img.MessageID,
		Filename:  img.Filename,
		ImageURL:  img.ImageURL,
		Image:     img.Image,
		Timestamp: img.Timestamp,
	})
}

func cmdConfirmScan(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	scan, ok := w.pending.take(ev.GuildID, ev.UserID)
	if !ok {
		return "", model.Validationf("no pending scan to confirm; scan results expire after a few minutes")
	}
	races, err := intArg(ev, "races", scan.RaceCount)
	if err != nil {
		return "", err
	}
	at := scan.At
	if at.IsZero() {
		at = time.Now()
	}
	added, err := w.wars.AddWar(ctx, ev.GuildID, scan.Players, races, at, "scan")
	if err != nil {
		return "", err
	}
	return formatWar(added), nil
}

func cmdRejectScan(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	if _, ok := w.pending.take(ev.GuildID, ev.UserID); !ok {
		return "", model.Validationf("no pending scan to reject")
	}
	return "Scan discarded.", nil
}

func cmdBulkScanImage(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	if len(ev.Images) == 0 {
		return "", model.Validationf("attach at least one screenshot")
	}
	if len(ev.Images) > w.maxBulkImages {
		return "", model.Validationf("at most %d images per bulk scan, got %d", w.maxBulkImages, len(ev.Images))
	}

	// Keyed on the first attachment's message id so a replayed command
	// record reuses the session it already opened.
	nonce := ""
	if ev.Images[0].MessageID != 0 {
		nonce = fmt.Sprintf("bulk-%d-%d", ev.ChannelID, ev.Images[0].MessageID)
	}
	sess, err := w.sessions.CreateSession(ctx, ev.GuildID, ev.UserID, len(ev.Images), nonce)
	if err != nil {
		return "", err
	}
	go w.runBulkSession(ctx, ev, sess.Token, ev.Images)

	return fmt.Sprintf("Scanning %d images. Review and confirm at %s (link valid 24h).",
		len(ev.Images), w.sessionURL(sess.Token)), nil
}

func cmdDebugOCR(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	if len(ev.Images) != 1 {
		return "", model.Validationf("attach exactly one screenshot")
	}
	res := w.engine.Process(ctx, ocr.TierExpress, ev.Images[0].Image)
	if res.Output.Err != nil {
		return "", res.Output.Err
	}

	rows := ocr.ExtractRows(res.Output.Boxes)
	var b strings.Builder
	fmt.Fprintf(&b, "%d boxes, %d rows, wait %s, ocr %s\n",
		len(res.Output.Boxes), len(rows), res.Wait.Round(time.Millisecond), res.Process.Round(time.Millisecond))
	for _, row := range rows {
		fmt.Fprintf(&b, "  %-24q %3d\n", row.Name, row.Score)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// cmdCheckPermissions reports the guild setup for a channel, defaulting
// to the one the command was issued in.
func cmdCheckPermissions(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	channelID := ev.ChannelID
	if raw := arg(ev, "channel"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", model.Validationf("channel must be an integer, got %q", raw)
		}
		channelID = id
	}
	cfg, err := w.rosters.GetGuild(ctx, ev.GuildID)
	if err != nil {
		return "Guild is not set up yet. Run /setup first.", nil
	}
	return formatPermissions(cfg, channelID), nil
}

func cmdHelp(ctx context.Context, w *Worker, ev *CommandEvent) (string, error) {
	usages := make([]string, 0, len(w.commands))
	for _, cmd := range w.commands {
		usages = append(usages, cmd.usage)
	}
	sort.Strings(usages)
	return "Commands:\n  " + strings.Join(usages, "\n  "), nil
}
