/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Payload maps a service name to its secret fields
type Payload map[string]map[string]interface{}

// Services returns the service names in order
func (p Payload) Services() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sink stores a payload in one external system
type Sink interface {
	Name() string
	Push(ctx context.Context, payload Payload) error
}

// Fanout pushes payload to every sink concurrently. Every sink is attempted;
// the failures are joined into the returned error.
func Fanout(ctx context.Context, log logr.Logger, payload Payload, sinks ...Sink) error {
	if len(payload) == 0 || len(sinks) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, sink := range sinks {
		g.Go(func() error {
			if err := sink.Push(ctx, payload); err != nil {
				log.Error(err, "secret sink failed", "sink", sink.Name())
				mu.Lock()
				errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
				mu.Unlock()
				return nil
			}
			log.Info("pushed secrets", "sink", sink.Name(), "services", len(payload))
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// stringify renders a field value for stores that only hold strings
func stringify(v interface{}) (string, error) {
	switch vv := v.(type) {
	case string:
		return vv, nil
	case []byte:
		return string(vv), nil
	case nil:
		return "", nil
	default:
		b, err := json.Marshal(normalize(v))
		if err != nil {
			return "", fmt.Errorf("encode value: %w", err)
		}
		return string(b), nil
	}
}

// normalize converts YAML's map[interface{}]interface{} nodes for JSON
func normalize(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, val := range vv {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
