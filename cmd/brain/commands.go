package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/brain/internal/api"
	"github.com/kalambet/brain/internal/app"
	"github.com/kalambet/brain/internal/chat"
	"github.com/kalambet/brain/internal/navigation"
	"github.com/kalambet/brain/internal/profile"
	"github.com/kalambet/brain/internal/recurrence"
	"github.com/kalambet/brain/internal/reminder"
	"github.com/kalambet/brain/internal/watch"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant",
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			if err := a.Chat.LoadSessions(cmd.Context()); err != nil {
				return err
			}
			sessions := a.Chat.Sessions()
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No conversations yet.")
				return nil
			}
			for _, s := range sessions {
				fmt.Fprintf(out, "%s  %s\n", colorize(colorCyan, s.ID), truncate(s.Snippet, 70))
			}
			return nil
		})
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a conversation (default: the current one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				if err := a.Nav.Navigate(ctx, navigation.Chat(args[0]).String()); err != nil {
					return err
				}
			} else {
				cur := restoreLocation(ctx, a)
				if cur.Page != navigation.PageChat || cur.ConversationID == "" {
					return errors.New("no current conversation; pass an id or start one with `brain chat send`")
				}
				if err := a.Chat.Err(); err != nil {
					return err
				}
			}
			printTranscript(cmd.OutOrStdout(), a.Chat.Transcript())
			return nil
		})
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send a message in the current conversation",
	Long: `Send a message in the current conversation.

The conversation last shown or sent to is continued. Use --new to start a
fresh one; it becomes the current conversation once the message is sent.

Examples:
  brain chat send "What did I tell you about Bob?"
  brain chat send --new Remember that I moved to Berlin`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" {
			return errors.New("message is empty")
		}
		startNew, _ := cmd.Flags().GetBool("new")

		return withApp(func(a *app.App) error {
			ctx := cmd.Context()
			convID := ""
			if !startNew {
				if cur := restoreLocation(ctx, a); cur.Page == navigation.PageChat {
					convID = cur.ConversationID
				}
			}
			if convID == "" {
				if err := a.Nav.Navigate(ctx, "/chat"); err != nil {
					return err
				}
			}

			res, err := a.Chat.Send(ctx, convID, text)
			if err != nil {
				return err
			}

			printMessage(cmd.OutOrStdout(), chat.Message{Message: res.Reply})
			if convID == "" {
				printSuccess("Started conversation %s", res.ConversationID)
			}
			return nil
		})
	},
}

func init() {
	chatSendCmd.Flags().Bool("new", false, "start a new conversation")
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatShowCmd)
	chatCmd.AddCommand(chatSendCmd)
}

func printTranscript(w io.Writer, msgs []chat.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		printMessage(w, m)
	}
}

func printMessage(w io.Writer, m chat.Message) {
	label := colorize(colorBold+colorBlue, "you")
	if m.Role == api.RoleAssistant {
		label = colorize(colorBold+colorGreen, "assistant")
	}
	fmt.Fprintf(w, "%s: %s\n", label, m.Content)
	if m.MutationsApplied > 0 {
		fmt.Fprintln(w, colorize(colorDim, fmt.Sprintf("  (%d memory updates)", m.MutationsApplied)))
	}
	if m.Pending {
		fmt.Fprintln(w, colorize(colorYellow, "  (not delivered)"))
	}
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Browse and edit memory documents",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memory documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			if err := a.Memory.ListSummaries(cmd.Context()); err != nil {
				return err
			}
			printSummaries(cmd.OutOrStdout(), a.Memory.Summaries())
			return nil
		})
	},
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find memory documents by filename or id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			if err := a.Memory.ListSummaries(cmd.Context()); err != nil {
				return err
			}
			printSummaries(cmd.OutOrStdout(), a.Memory.Search(strings.Join(args, " ")))
			return nil
		})
	},
}

var memoryShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a memory document (default: the current one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			doc, err := selectMemory(cmd, a, args)
			if err != nil {
				return err
			}
			printDocument(cmd.OutOrStdout(), doc)
			return nil
		})
	},
}

var memoryEditCmd = &cobra.Command{
	Use:   "edit [id]",
	Short: "Edit a memory document",
	Long: `Edit a memory document (default: the current one).

Without flags the content opens in $EDITOR. If an earlier save failed, the
unsaved edit is resumed instead of the stored document.

Examples:
  brain memory edit 7f3c
  brain memory edit --type person --filename people/bob.md
  brain memory edit --content-file ./bob.md`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			doc, err := selectMemory(cmd, a, args)
			if err != nil {
				return err
			}

			resumed, err := a.Memory.RestoreDraft()
			if err != nil {
				return err
			}
			if resumed {
				printWarning("Resuming unsaved changes to %s", doc.Filename)
			} else if err := a.Memory.BeginEdit(); err != nil {
				return err
			}

			flags := cmd.Flags()
			edited := false
			if flags.Changed("filename") {
				v, _ := flags.GetString("filename")
				a.Memory.SetFilename(v)
				edited = true
			}
			if flags.Changed("type") {
				v, _ := flags.GetString("type")
				a.Memory.SetType(v)
				edited = true
			}
			if flags.Changed("content-file") {
				path, _ := flags.GetString("content-file")
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading content file: %w", err)
				}
				a.Memory.SetContent(string(data))
				edited = true
			}
			if !edited && !resumed {
				content, err := editText(a.Memory.Buffer().Content)
				if err != nil {
					a.Memory.CancelEdit()
					return err
				}
				a.Memory.SetContent(content)
			}

			if err := a.Memory.Save(cmd.Context()); err != nil {
				if a.Store() != nil {
					printWarning("Changes kept locally; run `brain memory edit %s` to retry", doc.ID)
				}
				return err
			}
			printSuccess("Saved %s", a.Memory.Buffer().Filename)
			return nil
		})
	},
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a memory document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		return withApp(func(a *app.App) error {
			ctx := cmd.Context()
			if err := a.Memory.Remove(ctx, id); err != nil {
				return err
			}
			if cur := savedLocation(a); cur.Page == navigation.PageMemory && cur.MemoryID == id {
				if err := a.Nav.Handle(ctx, navigation.Event{Kind: navigation.Replace, Location: "/memory"}); err != nil {
					return err
				}
			}
			printSuccess("Deleted memory %s", id)
			return nil
		})
	},
}

func init() {
	memoryEditCmd.Flags().String("filename", "", "new filename")
	memoryEditCmd.Flags().String("type", "", "new metadata type")
	memoryEditCmd.Flags().String("content-file", "", "read new content from this file")
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memorySearchCmd)
	memoryCmd.AddCommand(memoryShowCmd)
	memoryCmd.AddCommand(memoryEditCmd)
	memoryCmd.AddCommand(memoryDeleteCmd)
}

// selectMemory navigates to the document named in args, or restores the
// current one, and returns it once loaded.
func selectMemory(cmd *cobra.Command, a *app.App, args []string) (api.MemoryDocument, error) {
	ctx := cmd.Context()
	if len(args) == 1 {
		if err := a.Nav.Navigate(ctx, navigation.Memory(args[0]).String()); err != nil {
			return api.MemoryDocument{}, err
		}
	} else if cur := restoreLocation(ctx, a); cur.Page != navigation.PageMemory || cur.MemoryID == "" {
		return api.MemoryDocument{}, errors.New("no current memory; pass an id (see `brain memory list`)")
	}

	doc, ok := a.Memory.Detail()
	if !ok {
		if err := a.Memory.Err(); err != nil {
			return api.MemoryDocument{}, err
		}
		return api.MemoryDocument{}, fmt.Errorf("memory %s is not loaded", a.Memory.Selected())
	}
	return doc, nil
}

func printSummaries(w io.Writer, list []api.MemorySummary) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No memories found.")
		return
	}
	for _, s := range list {
		typ := s.Type
		if typ == "" {
			typ = "-"
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			colorize(colorCyan, s.ID),
			formatTime(s.LastUpdated, nil),
			colorize(colorDim, typ),
			s.Filename,
		)
	}
}

func printDocument(w io.Writer, doc api.MemoryDocument) {
	fmt.Fprintln(w, colorize(colorBold, doc.Filename))
	if t := doc.Metadata.Type(); t != "" {
		fmt.Fprintf(w, "  type:    %s\n", t)
	}
	if tags := doc.Metadata.Tags(); len(tags) > 0 {
		fmt.Fprintf(w, "  tags:    %s\n", strings.Join(tags, ", "))
	}
	if roles := doc.Metadata.Roles(); len(roles) > 0 {
		fmt.Fprintf(w, "  roles:   %s\n", strings.Join(roles, ", "))
	}
	if aliases := doc.Metadata.Aliases(); len(aliases) > 0 {
		fmt.Fprintf(w, "  aliases: %s\n", strings.Join(aliases, ", "))
	}
	fmt.Fprintf(w, "  updated: %s\n\n", formatTime(doc.UpdatedAt, nil))
	fmt.Fprintln(w, doc.Content)
}

// editText is replaced in tests.
var editText = defaultEditText

// defaultEditText opens initial in $EDITOR and returns the saved text.
func defaultEditText(initial string) (string, error) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}

	tmpFile, err := os.CreateTemp("", "brain-memory-*.md")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.WriteString(initial); err != nil {
		tmpFile.Close()
		return "", err
	}
	tmpFile.Close()

	editorCmd := exec.Command(editor, tmpPath)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	if err := editorCmd.Run(); err != nil {
		return "", fmt.Errorf("editor exited with error: %w", err)
	}

	edited, err := os.ReadFile(tmpPath)
	if err != nil {
		return "", err
	}
	return string(edited), nil
}

// --- reminders ---

var remindersCmd = &cobra.Command{
	Use:     "reminders",
	Aliases: []string{"reminder"},
	Short:   "Manage reminders",
}

var remindersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active reminders",
	RunE: func(cmd *cobra.Command, args []string) error {
		inactive, _ := cmd.Flags().GetBool("inactive")
		return withApp(func(a *app.App) error {
			userID, err := requireUser(a)
			if err != nil {
				return err
			}
			if err := a.Reminders.List(cmd.Context(), userID); err != nil {
				return err
			}

			list := a.Reminders.Active()
			if inactive {
				list = a.Reminders.Inactive()
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No reminders.")
				return nil
			}
			for _, r := range list {
				printReminder(out, r)
			}
			return nil
		})
	},
}

var remindersCreateCmd = &cobra.Command{
	Use:   "create <request...>",
	Short: "Create a reminder from plain language",
	Long: `Create a reminder from plain language. The backend works out the title
and schedule.

Examples:
  brain reminders create call mom tomorrow at 6pm
  brain reminders create --tz Europe/Berlin stretch every day at 9`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tz, _ := cmd.Flags().GetString("tz")
		return withApp(func(a *app.App) error {
			userID, err := requireUser(a)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("tz") {
				tz = a.Config.User.Timezone
			}

			r, err := a.Reminders.Create(cmd.Context(), userID, strings.Join(args, " "), tz)
			if err != nil {
				return err
			}
			printReminder(cmd.OutOrStdout(), r)
			printSuccess("Reminder created")
			return nil
		})
	},
}

var remindersToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Pause or resume a reminder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			r, err := a.Reminders.Toggle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r.Active {
				printSuccess("Resumed %q", r.Title)
			} else {
				printSuccess("Paused %q", r.Title)
			}
			return nil
		})
	},
}

var remindersDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a reminder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			if err := a.Reminders.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			printSuccess("Deleted reminder %s", args[0])
			return nil
		})
	},
}

var remindersNextCmd = &cobra.Command{
	Use:   "next <id>",
	Short: "Show when a reminder fires next",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		return withApp(func(a *app.App) error {
			n, err := a.Reminders.NextOccurrences(cmd.Context(), args[0], count)
			if err != nil {
				return err
			}

			loc, err := time.LoadLocation(a.Config.User.Timezone)
			if err != nil {
				loc = time.UTC
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, colorize(colorBold, n.Title))
			desc := n.Description
			if desc == "" {
				desc = recurrence.Describe(n.RRule)
			}
			if desc != "" {
				fmt.Fprintf(out, "  schedule:       %s\n", desc)
			}
			if n.LastTriggered != nil {
				fmt.Fprintf(out, "  last triggered: %s\n", formatTime(*n.LastTriggered, loc))
			}
			if len(n.NextOccurrences) == 0 {
				fmt.Fprintln(out, "  no upcoming occurrences")
				return nil
			}
			for _, t := range n.NextOccurrences {
				fmt.Fprintf(out, "  %s\n", formatTime(t, loc))
			}
			return nil
		})
	},
}

var remindersWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print reminder changes as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		return withApp(func(a *app.App) error {
			userID, err := requireUser(a)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			w := watch.NewWorker(a.Reminders, userID, func(c watch.Change) {
				printChange(out, c)
			}, interval)
			w.SetLogger(a.Logger())
			printStep("Watching reminders every %s (Ctrl-C to stop)", interval)
			w.Run(ctx)
			return nil
		})
	},
}

func init() {
	remindersListCmd.Flags().Bool("inactive", false, "list paused reminders instead")
	remindersCreateCmd.Flags().String("tz", "", "IANA timezone of the request (default: user.timezone)")
	remindersNextCmd.Flags().Int("count", reminder.DefaultOccurrenceCount, "number of occurrences to show")
	remindersWatchCmd.Flags().Duration("interval", 30*time.Second, "poll interval")
	remindersCmd.AddCommand(remindersListCmd)
	remindersCmd.AddCommand(remindersCreateCmd)
	remindersCmd.AddCommand(remindersToggleCmd)
	remindersCmd.AddCommand(remindersDeleteCmd)
	remindersCmd.AddCommand(remindersNextCmd)
	remindersCmd.AddCommand(remindersWatchCmd)
}

func printReminder(w io.Writer, r api.Reminder) {
	when := reminder.When(r)
	if when == "" {
		when = "unscheduled"
	}
	fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, r.ID), colorize(colorBold, r.Title))
	fmt.Fprintf(w, "  %s (%s)\n", when, reminder.TimezoneLabel(r))
	if r.Body != "" && r.Body != r.Title {
		fmt.Fprintf(w, "  %s\n", truncate(r.Body, 70))
	}
}

func printChange(w io.Writer, c watch.Change) {
	color := colorCyan
	switch c.Kind {
	case watch.Triggered:
		color = colorYellow
	case watch.Removed:
		color = colorRed
	case watch.Added:
		color = colorGreen
	}
	fmt.Fprintf(w, "%s %-9s %s  %s\n",
		time.Now().Format("15:04:05"),
		colorize(color, string(c.Kind)),
		reminder.CopyText(c.Reminder),
		colorize(colorDim, reminder.When(c.Reminder)),
	)
}

// --- describe ---

var describeCmd = &cobra.Command{
	Use:   "describe <rrule>",
	Short: "Explain a schedule string such as FREQ=WEEKLY;BYDAY=MO;BYHOUR=9",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rule := recurrence.Parse(args[0])
		if rule.Freq == "" {
			return fmt.Errorf("%q does not start with FREQ=", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), rule.Describe())
		return nil
	},
}

// --- onboard ---

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Introduce yourself to the assistant",
	Long: `Send the onboarding questionnaire. Full name, preferred name and
occupation are required.

Example:
  brain onboard --full-name "Robert Smith" --preferred-name Bob \
    --occupation "Gardener" --interests "tomatoes, chess"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		var form profile.Form
		form.FullName, _ = flags.GetString("full-name")
		form.PreferredName, _ = flags.GetString("preferred-name")
		form.Occupation, _ = flags.GetString("occupation")
		form.Interests, _ = flags.GetString("interests")
		form.AIPersonality, _ = flags.GetString("personality")
		form.Expectations, _ = flags.GetString("expectations")
		tz, _ := flags.GetString("tz")

		if err := form.Validate(); err != nil {
			return err
		}

		return withApp(func(a *app.App) error {
			ctx := cmd.Context()
			userID, err := requireUser(a)
			if err != nil {
				return err
			}
			if err := a.Onboarding.Submit(ctx, userID, tz, form); err != nil {
				return err
			}
			if err := a.Nav.Handle(ctx, navigation.Event{Kind: navigation.Replace, Location: "/dashboard"}); err != nil {
				return err
			}
			printSuccess("Welcome, %s", strings.TrimSpace(form.PreferredName))
			return nil
		})
	},
}

func init() {
	f := onboardCmd.Flags()
	f.String("full-name", "", "your full name (required)")
	f.String("preferred-name", "", "what the assistant should call you (required)")
	f.String("occupation", "", "what you do (required)")
	f.String("interests", "", "topics you care about")
	f.String("personality", "", "how the assistant should come across")
	f.String("expectations", "", "what you want from the assistant")
	f.String("tz", profile.LocalTimezone(), "IANA timezone")
}
