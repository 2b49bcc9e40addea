package tools

import (
	"context"
	"fmt"

	"github.com/contextd/contextd/internal/session"
)

// RegisterStateTools installs the user-profile tools agents use to record
// and recall facts like name and country. Writes go through AppendEvent so
// the state mutation always travels with an event, keeping the log and the
// state in lockstep.
func RegisterStateTools(r *Registry, store session.Store) error {
	save := Tool{
		Name:        "save_user_info",
		Description: "Record a user-scoped profile value (args: app, user, session, key, value).",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			key, err := sessionKeyFromArgs(args)
			if err != nil {
				return "", err
			}
			stateKey, value := args["key"], args["value"]
			if stateKey == "" {
				return "", fmt.Errorf("save_user_info requires a key")
			}
			ev := session.NewTextEvent(session.AuthorSystem,
				fmt.Sprintf("recorded user info %q", stateKey))
			ev.Actions = &session.EventActions{StateDelta: []session.StateEntry{
				{Scope: session.ScopeUser, Key: stateKey, Value: value},
			}}
			if _, err := store.AppendEvent(ctx, key, ev); err != nil {
				return "", fmt.Errorf("save user info: %w", err)
			}
			return fmt.Sprintf("saved %s", stateKey), nil
		},
	}

	retrieve := Tool{
		Name:        "retrieve_user_info",
		Description: "Fetch a user-scoped profile value (args: app, user, session, key).",
		Handler: func(ctx context.Context, args map[string]string) (string, error) {
			key, err := sessionKeyFromArgs(args)
			if err != nil {
				return "", err
			}
			stateKey := args["key"]
			if stateKey == "" {
				return "", fmt.Errorf("retrieve_user_info requires a key")
			}
			view, err := store.ReadState(ctx, key)
			if err != nil {
				return "", fmt.Errorf("retrieve user info: %w", err)
			}
			value, ok := view.Get(session.ScopeUser, stateKey)
			if !ok {
				return "", fmt.Errorf("no user info recorded under %q", stateKey)
			}
			return value, nil
		},
	}

	if err := r.Register(save); err != nil {
		return err
	}
	return r.Register(retrieve)
}

func sessionKeyFromArgs(args map[string]string) (session.Key, error) {
	key := session.Key{
		AppName:   args["app"],
		UserID:    args["user"],
		SessionID: args["session"],
	}
	if key.AppName == "" || key.UserID == "" || key.SessionID == "" {
		return session.Key{}, fmt.Errorf("tool call requires app, user and session args")
	}
	return key, nil
}
