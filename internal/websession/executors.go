package websession

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"pacer/internal/actions"
	"pacer/internal/clock"
	"pacer/internal/config"
	"pacer/internal/cooldown"
	"pacer/internal/storage"
	logx "pacer/pkg/logx"
)

// SectionPrefix names the values section of a feature's action:
//
//	values:
//	  action.collect:
//	    method: POST
//	    path: /collect
//	  action.visit:
//	    path: /entities/{id}/visit
//	    pool: /entities?state=open
//	    kind: minor
//	    cooldown: 6h
//	    attributes: [gold, silver]
//
// Pools for the major kind get the agent locale appended as a query
// parameter, named by locale_param (default "locale").
const SectionPrefix = "action."

// TargetDeps are the services a targeted action needs.
type TargetDeps struct {
	// Session serves candidate pools; the pool read happens before the
	// executor gets the arbitrated handle.
	Session   *Session
	Selector  *cooldown.Selector
	Cooldowns *cooldown.Store
	Clock     clock.Clock
	Locale    string
	Log       logx.Logger
}

// Register adds an executor for every feature that has an action section.
// Features without one are left for other registrations.
func Register(reg *actions.Registry[*Session], values config.Values, features []string, deps TargetDeps) error {
	for _, name := range features {
		section := SectionPrefix + name
		if _, ok := values[section]; !ok {
			continue
		}
		exec, err := build(name, section, values, deps)
		if err != nil {
			return err
		}
		if err := reg.Register(name, exec); err != nil {
			return err
		}
	}
	return nil
}

func build(name, section string, values config.Values, deps TargetDeps) (actions.Executor[*Session], error) {
	method := strings.ToUpper(values.String(section, "method", http.MethodPost))
	path := values.String(section, "path", "")
	if path == "" {
		return nil, fmt.Errorf("%s.path is required", section)
	}
	pool := values.String(section, "pool", "")
	if pool == "" {
		if strings.Contains(path, "{id}") {
			return nil, fmt.Errorf("%s.path uses {id} but no pool is set", section)
		}
		return actions.ExecutorFunc[*Session](func(ctx context.Context, s *Session) (bool, error) {
			return request(ctx, s, method, path)
		}), nil
	}

	kind := storage.Kind(strings.ToLower(values.String(section, "kind", string(storage.KindMinor))))
	if !kind.Valid() {
		return nil, fmt.Errorf("%s.kind: invalid %q", section, kind)
	}
	if deps.Selector == nil || deps.Session == nil {
		return nil, fmt.Errorf("%s: targeted action needs a selector and a session", section)
	}
	if kind == storage.KindMajor && deps.Locale != "" {
		param := values.String(section, "locale_param", "locale")
		localized, err := withQuery(pool, param, deps.Locale)
		if err != nil {
			return nil, fmt.Errorf("%s.pool: %w", section, err)
		}
		pool = localized
	}
	exclude := values.List(section, "exclude", nil)
	return &actions.Targeted[*Session]{
		Name:       name,
		Kind:       kind,
		Attributes: values.List(section, "attributes", nil),
		Cooldown:   values.Duration(section, "cooldown", 0),
		Locale:     deps.Locale,
		Excluded:   func() []string { return exclude },
		Pool:       PoolFrom(deps.Session, pool),
		Act: func(ctx context.Context, s *Session, id string) (bool, error) {
			return request(ctx, s, method, strings.ReplaceAll(path, "{id}", url.PathEscape(id)))
		},
		Selector:  deps.Selector,
		Cooldowns: deps.Cooldowns,
		Clock:     deps.Clock,
		Log:       deps.Log,
	}, nil
}

func request(ctx context.Context, s *Session, method, path string) (bool, error) {
	resp, err := s.Do(ctx, method, path, nil)
	switch {
	case err != nil:
		return false, err
	case resp.OK():
		return true, nil
	case resp.Busy():
		return false, nil
	default:
		return false, fmt.Errorf("%s %s: status %d", method, path, resp.Status)
	}
}

// PoolFrom reads a JSON array of entity ids from path.
func PoolFrom(s *Session, path string) actions.PoolFunc {
	return func(ctx context.Context) ([]string, error) {
		var ids []string
		if err := s.GetJSON(ctx, path, &ids); err != nil {
			return nil, err
		}
		return ids, nil
	}
}

func withQuery(path, key, value string) (string, error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TimersFrom reads the external timers (name -> remaining seconds) from
// path. Negative values mean "not applicable" and are dropped.
func TimersFrom(s *Session, path string) func(ctx context.Context) (map[string]float64, error) {
	return func(ctx context.Context) (map[string]float64, error) {
		raw := map[string]float64{}
		if err := s.GetJSON(ctx, path, &raw); err != nil {
			return nil, err
		}
		out := make(map[string]float64, len(raw))
		for k, v := range raw {
			if v >= 0 {
				out[k] = v
			}
		}
		return out, nil
	}
}

