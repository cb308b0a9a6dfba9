package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/zeusync/docsync/internal/core/crdt"
	"github.com/zeusync/docsync/internal/core/presence"
)

var (
	errQuit    = errors.New("quit")
	errUsage   = errors.New("usage")
	errUnknown = errors.New("unknown command")
)

// shell runs the line commands of the peer against one replica.
type shell struct {
	doc      *crdt.Doc
	presence *presence.State
	save     func(context.Context) error
	out      io.Writer
}

func (s *shell) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "set":
		if len(args) < 2 {
			return fmt.Errorf("%w: set <key> <value>", errUsage)
		}
		s.doc.Set(args[0], strings.Join(args[1:], " "))
	case "del":
		if len(args) != 1 {
			return fmt.Errorf("%w: del <key>", errUsage)
		}
		s.doc.Delete(args[0])
	case "show":
		s.show()
	case "who":
		return s.who()
	case "save":
		if s.save == nil {
			return fmt.Errorf("%w: save", errUnknown)
		}
		if err := s.save(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "saved")
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("%w: %s", errUnknown, cmd)
	}
	return nil
}

func (s *shell) show() {
	for _, key := range s.doc.Keys() {
		value, _ := s.doc.Get(key)
		fmt.Fprintf(s.out, "%s = %s\n", key, value)
	}
}

func (s *shell) who() error {
	states := s.presence.States()
	ids := make([]uint32, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		raw, err := json.Marshal(states[id])
		if err != nil {
			return err
		}
		marker := " "
		if id == s.presence.ClientID() {
			marker = "*"
		}
		fmt.Fprintf(s.out, "%s %d %s\n", marker, id, raw)
	}
	return nil
}
