package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/library"
)

func newSearchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "search <title or ISBN>",
		Short: "Look a book up on Open Library",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.ensure(cmd)
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			book, found := env.search.Search(cmd.Context(), query)
			if !found {
				env.out.warn("Book not found! Please enter details manually.")
				return nil
			}
			w := env.out.out
			fmt.Fprintf(w, "Title:       %s\n", book.Title)
			fmt.Fprintf(w, "Author:      %s\n", book.Author)
			fmt.Fprintf(w, "ISBN:        %s\n", book.ISBN)
			if book.CoverURL != "" {
				fmt.Fprintf(w, "Cover:       %s\n", book.CoverURL)
			}
			fmt.Fprintf(w, "Description: %s\n", book.Description)
			return nil
		},
	}
}

// openView signs in if needed and loads the active profile's books.
func openView(cmd *cobra.Command, env *environment) (*library.View, error) {
	id, err := env.session.Ensure(cmd.Context())
	if err != nil {
		return nil, err
	}
	view := library.NewView(env.api, env.notifier, env.logger)
	if err := view.Load(cmd.Context(), id, env.profiles.Active()); err != nil {
		return nil, err
	}
	return view, nil
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show the active profile's library",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.ensure(cmd)
			if err != nil {
				return err
			}
			view, err := openView(cmd, env)
			if err != nil {
				return err
			}
			fmt.Fprint(env.out.out, renderLibrary(view.Profile(), view.Books()))
			return nil
		},
	}
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	var skipConfirm bool
	cmd := &cobra.Command{
		Use:     "delete <book-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a book from the active profile's library",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.ensure(cmd)
			if err != nil {
				return err
			}
			view, err := openView(cmd, env)
			if err != nil {
				return err
			}

			in := bufio.NewReader(cmd.InOrStdin())
			confirm := func(book domain.BookRecord) bool {
				if skipConfirm {
					return true
				}
				return promptYes(env.out.out, in, fmt.Sprintf("Remove %q from %s's library? [y/N] ",
					book.Title, view.Profile().DisplayName()))
			}
			_, err = view.Delete(cmd.Context(), strings.TrimSpace(args[0]), confirm)
			switch {
			case errors.Is(err, library.ErrUnknownBook):
				return fmt.Errorf("no book %q in %s's library", args[0], view.Profile().DisplayName())
			case errors.Is(err, library.ErrNotConfirmed):
				env.out.info("Kept it.")
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func promptYes(w io.Writer, in *bufio.Reader, question string) bool {
	fmt.Fprint(w, question)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
