package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// stopIntent is the on-disk marker the daemon-supervisor respawn loop
// checks after every child exit: its presence (with a matching token)
// means the exit was a deliberate stop, not a crash, so the loop should
// not respawn.
type stopIntent struct {
	Token string `json:"token"`
}

func stopIntentPath(home string) string {
	return filepath.Join(home, ".routecodex", "daemon-stop-intent.json")
}

// writeDaemonStopIntent records token as the active stop intent, so the
// next consumeDaemonStopIntent call with the same token recognizes this
// as an intentional stop.
func writeDaemonStopIntent(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(stopIntent{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// consumeDaemonStopIntent reports whether a stop intent matching token is
// present, removing the file either way so the check is idempotent: once
// consumed (by any token), a repeat call reports false ("no intent").
func consumeDaemonStopIntent(path, token string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	var intent stopIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		return false, nil
	}
	return intent.Token == token, nil
}
