package settings

import (
	"context"

	"fyne.io/fyne/v2"
)

// PreferencesStore keeps settings in a fyne application's preferences.
type PreferencesStore struct {
	prefs fyne.Preferences
}

// NewPreferencesStore wraps prefs, usually fyne.App.Preferences().
func NewPreferencesStore(prefs fyne.Preferences) *PreferencesStore {
	return &PreferencesStore{prefs: prefs}
}

// Get returns the list stored under key. Preferences cannot tell an empty
// list from a missing one, so both read as absent.
func (p *PreferencesStore) Get(ctx context.Context, key string) ([]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	values := p.prefs.StringListWithFallback(key, nil)
	if len(values) == 0 {
		return nil, false, nil
	}
	return values, true, nil
}

func (p *PreferencesStore) Set(ctx context.Context, key string, values []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.prefs.SetStringList(key, values)
	return nil
}

func (p *PreferencesStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.prefs.RemoveValue(key)
	return nil
}

// Close is a no-op; the fyne app owns its preferences.
func (p *PreferencesStore) Close() error {
	return nil
}
