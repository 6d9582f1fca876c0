package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"bookbuddy/pkg/capture"
	"bookbuddy/pkg/client"
	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/workflow"
)

type addOptions struct {
	lookup      string
	title       string
	author      string
	description string
	isbn        string
	rating      string
	summary     string
	coverFile   string
	coverURL    string
	audioFile   string
	record      bool
	serverSide  bool
}

func newAddCommand(ctx *commandContext) *cobra.Command {
	opts := addOptions{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a book to the active profile's library",
		Long: `Add a book to the active profile's library.

Start from a lookup (--lookup "title or ISBN") or type the details in.
Fields given as flags override what the lookup found.

Examples:
  bookbuddy add --lookup 9780064400558 --rating Great --summary "A pig and a spider become friends."
  bookbuddy add --title "My Own Story" --cover ./drawing.png --record
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.ensure(cmd)
			if err != nil {
				return err
			}
			return runAdd(cmd, env, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.lookup, "lookup", "", "Title or ISBN to fill the details from Open Library")
	f.StringVar(&opts.title, "title", "", "Book title")
	f.StringVar(&opts.author, "author", "", "Author")
	f.StringVar(&opts.description, "description", "", "Description")
	f.StringVar(&opts.isbn, "isbn", "", "ISBN")
	f.StringVarP(&opts.rating, "rating", "r", "", "Rating: ⭐️/Amazing, 🤩/Great, 😊/Good (default Amazing)")
	f.StringVarP(&opts.summary, "summary", "s", "", "What the book was about, in your own words")
	f.StringVar(&opts.coverFile, "cover", "", "Image file to use as the cover")
	f.StringVar(&opts.coverURL, "cover-url", "", "Cover image URL")
	f.StringVar(&opts.audioFile, "audio", "", "Recorded voice summary file to attach")
	f.BoolVar(&opts.record, "record", false, "Record a voice summary from the microphone")
	f.BoolVar(&opts.serverSide, "server-side", false, "Send everything in one request and let the service run the upload steps")
	return cmd
}

func runAdd(cmd *cobra.Command, env *environment, opts addOptions) error {
	ctx := cmd.Context()
	if _, err := env.session.Ensure(ctx); err != nil {
		return err
	}
	rating, err := domain.ParseRating(opts.rating)
	if err != nil {
		return fmt.Errorf("rating %q: %w", opts.rating, err)
	}

	flow := workflow.New(workflow.Ports{
		Lookup:   env.search,
		Uploader: env.api,
		Library:  env.api,
		Identity: env.session.Current,
		Profile:  env.profiles.Active,
	}, workflow.WithNotifier(env.notifier), workflow.WithLogger(env.logger))

	if q := strings.TrimSpace(opts.lookup); q != "" {
		if flow.Lookup(ctx, q) {
			env.out.info("Found %q by %s", flow.Draft().Title, flow.Draft().Author)
		}
	}
	flow.Edit(func(d *domain.Draft) {
		setIf(&d.Title, opts.title)
		setIf(&d.Author, opts.author)
		setIf(&d.Description, opts.description)
		setIf(&d.ISBN, opts.isbn)
		setIf(&d.SummaryText, opts.summary)
		setIf(&d.CoverURL, opts.coverURL)
		d.Rating = rating
	})

	if opts.coverFile != "" {
		cover, err := readBlob(opts.coverFile, "")
		if err != nil {
			return fmt.Errorf("cover: %w", err)
		}
		flow.StageCover(cover)
	}
	if opts.audioFile != "" {
		clip, err := readBlob(opts.audioFile, capture.AudioContentType)
		if err != nil {
			return fmt.Errorf("audio: %w", err)
		}
		flow.SetAudio(clip)
	}
	if opts.record {
		if err := recordSummary(ctx, cmd, env, flow); err != nil {
			return err
		}
	}

	if opts.serverSide {
		return submitServerSide(ctx, env, flow)
	}
	rec, err := flow.Submit(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.out.out, rec.ID)
	return nil
}

// recordSummary captures audio until the user presses Enter.
func recordSummary(ctx context.Context, cmd *cobra.Command, env *environment, flow *workflow.Workflow) error {
	recorder := capture.NewRecorder(env.mic, flow.SetAudio)
	if err := recorder.Start(ctx); err != nil {
		if errors.Is(err, capture.ErrMicrophoneUnavailable) {
			env.notifier.Error("Could not access microphone. Please check permissions.")
		}
		return err
	}
	env.out.info("Recording... press Enter to stop.")
	_, _ = bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	clip, err := recorder.Stop()
	if err != nil {
		if errors.Is(err, capture.ErrMicrophoneUnavailable) {
			env.notifier.Error("Could not access microphone. Please check permissions.")
		}
		return err
	}
	env.out.ok("Recorded %d KiB", (clip.Size()+1023)/1024)
	return nil
}

func submitServerSide(ctx context.Context, env *environment, flow *workflow.Workflow) error {
	draft := flow.Draft()
	if strings.TrimSpace(draft.Title) == "" {
		env.notifier.Error("Please enter a book title.")
		return workflow.ErrTitleRequired
	}
	sub := client.Submission{
		Title:       draft.Title,
		Author:      draft.Author,
		Description: draft.Description,
		ISBN:        draft.ISBN,
		SummaryText: draft.SummaryText,
		Rating:      draft.Rating,
		Profile:     env.profiles.Active(),
		Cover:       draft.CoverFile,
		Audio:       flow.Audio(),
	}
	if draft.CoverFile == nil {
		sub.CoverURL = draft.CoverURL
	}
	rec, err := env.api.SubmitBook(ctx, sub)
	if err != nil {
		env.notifier.Error("Failed to save the book. Please try again.")
		return err
	}
	env.notifier.Success(fmt.Sprintf("%q added to your library!", rec.Title))
	env.notifier.Celebrate()
	fmt.Fprintln(env.out.out, rec.ID)
	return nil
}

func setIf(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func readBlob(path, fallbackType string) (domain.Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Blob{}, err
	}
	if len(data) == 0 {
		return domain.Blob{}, fmt.Errorf("%s is empty", path)
	}
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		contentType = fallbackType
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return domain.Blob{Data: data, ContentType: contentType, Name: filepath.Base(path)}, nil
}
