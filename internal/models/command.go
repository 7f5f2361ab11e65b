package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidCommand is wrapped by every decode or validation failure.
var ErrInvalidCommand = errors.New("invalid command")

type CommandKind string

const (
	KindKillProcess     CommandKind = "kill_process"
	KindContainerAction CommandKind = "container_action"
)

type ContainerAction string

const (
	ActionStart   ContainerAction = "start"
	ActionStop    ContainerAction = "stop"
	ActionRestart ContainerAction = "restart"
)

// Valid reports whether a is one of the allowed container actions.
func (a ContainerAction) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart:
		return true
	}
	return false
}

const dockerActionPrefix = "docker_"

// containerRef matches docker container ids and names.
var containerRef = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// Command is a control request sent by a viewer. On the wire it is either
// {"action":"kill_process","pid":N} or
// {"action":"docker_<start|stop|restart>","container_id":"..."}.
type Command struct {
	Kind        CommandKind
	PID         int
	ContainerID string
	Action      ContainerAction
}

type wireCommand struct {
	Action      string `json:"action"`
	PID         int    `json:"pid,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
}

func KillProcess(pid int) Command {
	return Command{Kind: KindKillProcess, PID: pid}
}

func ContainerCommand(id string, action ContainerAction) Command {
	return Command{Kind: KindContainerAction, ContainerID: id, Action: action}
}

// ParseCommand decodes and validates one inbound viewer message.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		if errors.Is(err, ErrInvalidCommand) {
			return Command{}, err
		}
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	switch {
	case w.Action == string(KindKillProcess):
		*c = KillProcess(w.PID)
	case strings.HasPrefix(w.Action, dockerActionPrefix):
		*c = ContainerCommand(w.ContainerID, ContainerAction(strings.TrimPrefix(w.Action, dockerActionPrefix)))
	case w.Action == "":
		return fmt.Errorf("%w: missing action", ErrInvalidCommand)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, w.Action)
	}
	return nil
}

func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireCommand{
		Action:      c.WireAction(),
		PID:         c.PID,
		ContainerID: c.ContainerID,
	})
}

// Validate checks the command before it can reach the host controller.
func (c Command) Validate() error {
	switch c.Kind {
	case KindKillProcess:
		if c.PID <= 0 {
			return fmt.Errorf("%w: pid must be a positive integer, got %d", ErrInvalidCommand, c.PID)
		}
	case KindContainerAction:
		if !c.Action.Valid() {
			return fmt.Errorf("%w: container action %q not allowed", ErrInvalidCommand, c.Action)
		}
		if !containerRef.MatchString(c.ContainerID) {
			return fmt.Errorf("%w: bad container id %q", ErrInvalidCommand, c.ContainerID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, c.Kind)
	}
	return nil
}

// WireAction is the action string used on the wire and in outcome logs.
func (c Command) WireAction() string {
	if c.Kind == KindContainerAction {
		return dockerActionPrefix + string(c.Action)
	}
	return string(c.Kind)
}

// Target identifies the host object a command mutates. Commands sharing a
// target are executed one at a time.
func (c Command) Target() string {
	if c.Kind == KindContainerAction {
		return "container:" + c.ContainerID
	}
	return "pid:" + strconv.Itoa(c.PID)
}

func (c Command) String() string {
	return c.WireAction() + " " + c.Target()
}
