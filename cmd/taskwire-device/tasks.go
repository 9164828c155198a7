package main

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/taskwire/protocol"
	"github.com/c360/taskwire/task"
)

// registerDemoTasks installs the built-in tasks every agent exposes.
// Real deployments register their instrument tasks alongside these.
func registerDemoTasks(registry *task.Registry) {
	registry.Register("echo",
		func(_ context.Context, params map[string]any) (any, error) {
			return params["message"], nil
		},
		[]protocol.ParameterSpec{
			{Name: "message", Type: task.TypeString, Required: true},
		},
		"Return the message parameter unchanged")

	registry.Register("add",
		func(_ context.Context, params map[string]any) (any, error) {
			a, aok := params["a"].(float64)
			b, bok := params["b"].(float64)
			if !aok || !bok {
				return nil, fmt.Errorf("parameters a and b must be numbers")
			}
			return a + b, nil
		},
		[]protocol.ParameterSpec{
			{Name: "a", Type: task.TypeNumber, Required: true},
			{Name: "b", Type: task.TypeNumber, Required: true},
		},
		"Add two numbers")

	registry.Register("sleep",
		func(ctx context.Context, params map[string]any) (any, error) {
			seconds, _ := params["seconds"].(float64)
			select {
			case <-time.After(time.Duration(seconds * float64(time.Second))):
				return map[string]any{"slept_seconds": seconds}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		[]protocol.ParameterSpec{
			{Name: "seconds", Type: task.TypeNumber, Required: false, Default: float64(1)},
		},
		"Sleep for the given number of seconds")
}
