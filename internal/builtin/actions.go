// Package builtin provides the actions and services every anvil binary
// ships with.
package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/isolation"
)

// Modules.
const (
	ModuleCore = "core"
	ModuleText = "text"
)

// Actions returns the built-in action definitions.
func Actions() []action.Definition {
	return []action.Definition{
		{Name: "echo", Module: ModuleCore, New: func() action.Action { return action.Func(echo) }},
		{Name: "sha256", Module: ModuleCore, New: func() action.Action { return action.Func(checksum) }},
		{Name: "sleep", Module: ModuleCore, New: func() action.Action { return action.Func(sleep) }},
		{Name: "fail", Module: ModuleCore, New: func() action.Action { return action.Func(fail) }},
		{Name: "counter", Module: ModuleCore, New: func() action.Action { return action.Func(counter) }},
		{Name: "exit", Module: ModuleCore, New: func() action.Action { return action.Func(exit) }},
		{Name: "upper", Module: ModuleText, New: func() action.Action { return action.Func(upper) }},
	}
}

// Catalog returns a catalog holding the built-in actions.
func Catalog() *action.Catalog {
	c := action.NewCatalog()
	c.MustRegister(Actions()...)
	return c
}

func echo(ctx context.Context, p isolation.Value) (any, error) {
	action.Logger(ctx).Info("echo")
	return p.Get(), nil
}

type checksumParams struct {
	Text string `json:"text"`
	File string `json:"file"`
}

// checksum hashes either text or the contents of file.
func checksum(ctx context.Context, p isolation.Value) (any, error) {
	var params checksumParams
	if err := p.Decode(&params); err != nil {
		return nil, fmt.Errorf("sha256: %w", err)
	}

	h := sha256.New()
	switch {
	case params.File != "":
		f, err := os.Open(params.File)
		if err != nil {
			return nil, fmt.Errorf("sha256: %w", err)
		}
		defer f.Close()
		n, err := io.Copy(h, f)
		if err != nil {
			return nil, fmt.Errorf("sha256: read %s: %w", params.File, err)
		}
		action.Logger(ctx).Info("hashed file", "file", params.File, "bytes", n)
	default:
		h.Write([]byte(params.Text))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type sleepParams struct {
	MS int `json:"ms"`
}

func sleep(ctx context.Context, p isolation.Value) (any, error) {
	var params sleepParams
	if err := p.Decode(&params); err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}
	d := time.Duration(params.MS) * time.Millisecond
	action.Logger(ctx).Info("sleeping", "duration", d)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return params.MS, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failParams struct {
	Message string `json:"message"`
}

func fail(_ context.Context, p isolation.Value) (any, error) {
	var params failParams
	_ = p.Decode(&params)
	if params.Message == "" {
		params.Message = "failed on request"
	}
	return nil, errors.New(params.Message)
}

type counterParams struct {
	Key string `json:"key"`
	By  int    `json:"by"`
}

// counter increments a counter in the namespace of the execution context,
// so its result shows which items shared a sandbox or daemon.
func counter(ctx context.Context, p isolation.Value) (any, error) {
	var params counterParams
	_ = p.Decode(&params)
	if params.Key == "" {
		params.Key = "counter"
	}
	if params.By == 0 {
		params.By = 1
	}
	ns := action.NamespaceFrom(ctx)
	n := ns.Update(params.Key, func(old any) any {
		v, _ := old.(int)
		return v + params.By
	})
	action.Logger(ctx).Info("counter", "key", params.Key, "value", n, "namespace", ns.Name())
	return n, nil
}

type exitParams struct {
	Code int `json:"code"`
}

// exit terminates the hosting daemon.
func exit(ctx context.Context, p isolation.Value) (any, error) {
	var params exitParams
	_ = p.Decode(&params)
	if !action.Exit(ctx, params.Code) {
		return nil, errors.New("exit: only available in worker daemons")
	}
	return nil, nil
}

type upperParams struct {
	Text string `json:"text"`
}

func upper(ctx context.Context, p isolation.Value) (any, error) {
	var params upperParams
	if err := p.Decode(&params); err != nil {
		return nil, fmt.Errorf("upper: %w", err)
	}
	out := strings.ToUpper(params.Text)
	action.Logger(ctx).Info("upper", "in", len(params.Text))
	return out, nil
}
