// Package command parses the chat commands of the merge-queue bot.
//
// A command is the text following the bot prefix token in a comment line,
// e.g. "r+" in "bors r+". Parsing is a pure function without side effects.
package command

import (
	"fmt"
	"strings"
)

// Command is a parsed bot command.
type Command interface {
	command()
}

// Approve approves the pull request on behalf of the comment author ("r+").
type Approve struct{}

// ApproveEq approves the pull request on behalf of another reviewer ("r=<user>").
type ApproveEq struct {
	Reviewer string
}

// ApproveCancel cancels a running approve build ("r-").
type ApproveCancel struct{}

// Try starts a try build ("try"), optionally on top of an explicit parent
// revision ("try parent=<rev>"). Parent is empty when no parent was given.
type Try struct {
	Parent string
}

// TryCancel cancels a running try build ("try-").
type TryCancel struct{}

// Ping asks the bot to answer with a pong comment ("ping").
type Ping struct{}

func (Approve) command()       {}
func (ApproveEq) command()     {}
func (ApproveCancel) command() {}
func (Try) command()           {}
func (TryCancel) command()     {}
func (Ping) command()          {}

// ErrorKind enumerates the ways command text can be malformed.
type ErrorKind string

const (
	ErrInvalidParameter         ErrorKind = "invalid_parameter"
	ErrMissingCommand           ErrorKind = "missing_command"
	ErrNoParameterValueProvided ErrorKind = "no_parameter_value_provided"
	ErrUnexpectedEndOfCommand   ErrorKind = "unexpected_end_of_command"
	ErrUnexpectedParameter      ErrorKind = "unexpected_parameter"
	ErrUnexpectedParameters     ErrorKind = "unexpected_parameters"
	ErrUnknownCommand           ErrorKind = "unknown_command"
)

// ParseError describes why command text could not be parsed.
// Detail carries the offending token for the kinds that reference one.
type ParseError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case ErrInvalidParameter:
		return fmt.Sprintf("invalid parameter value: %q", e.Detail)
	case ErrMissingCommand:
		return "missing command"
	case ErrNoParameterValueProvided:
		return fmt.Sprintf("parameter %q is missing a value", e.Detail)
	case ErrUnexpectedEndOfCommand:
		return "unexpected end of command"
	case ErrUnexpectedParameter:
		return fmt.Sprintf("unexpected parameter: %q", e.Detail)
	case ErrUnexpectedParameters:
		return "unexpected parameters after command"
	case ErrUnknownCommand:
		return fmt.Sprintf("unknown command: %q", e.Detail)
	default:
		return fmt.Sprintf("parse error: %s", e.Kind)
	}
}

// result is the outcome of a sub-parser. A nil *result means the sub-parser
// does not apply and the next one is tried.
type result struct {
	cmd Command
	err *ParseError
}

func ok(cmd Command) *result         { return &result{cmd: cmd} }
func parseErr(e *ParseError) *result { return &result{err: e} }

type subParser func(tokens []string) *result

// exact matches iff the first token equals lit and no further tokens follow.
func exact(lit string, cmd Command) subParser {
	return func(tokens []string) *result {
		if len(tokens) == 0 || tokens[0] != lit {
			return nil
		}

		if len(tokens) > 1 {
			return parseErr(&ParseError{Kind: ErrUnexpectedParameters})
		}

		return ok(cmd)
	}
}

// withPrefix matches iff the first token starts with lit, the remainder of
// that token is handed to inner. An empty remainder is an error.
func withPrefix(lit string, inner func(rest string) *result) subParser {
	return func(tokens []string) *result {
		if len(tokens) == 0 || !strings.HasPrefix(tokens[0], lit) {
			return nil
		}

		if len(tokens) > 1 {
			return parseErr(&ParseError{Kind: ErrUnexpectedParameters})
		}

		rest := strings.TrimPrefix(tokens[0], lit)
		if rest == "" {
			return parseErr(&ParseError{Kind: ErrUnexpectedEndOfCommand})
		}

		return inner(rest)
	}
}

// keyword matches the literal and parses the remaining tokens as key=value
// parameters.
func keyword(lit string, params func(kv map[string]string) *result, allowedKeys ...string) subParser {
	allowed := make(map[string]struct{}, len(allowedKeys))
	for _, k := range allowedKeys {
		allowed[k] = struct{}{}
	}

	return func(tokens []string) *result {
		if len(tokens) == 0 || tokens[0] != lit {
			return nil
		}

		args := tokens[1:]
		if len(args) > len(allowed) {
			return parseErr(&ParseError{Kind: ErrUnexpectedParameters})
		}

		kv := make(map[string]string, len(args))
		for _, arg := range args {
			key, val, found := strings.Cut(arg, "=")
			if !found {
				return parseErr(&ParseError{Kind: ErrNoParameterValueProvided, Detail: arg})
			}

			if _, isAllowed := allowed[key]; !isAllowed {
				return parseErr(&ParseError{Kind: ErrUnexpectedParameter, Detail: key})
			}

			if val == "" {
				return parseErr(&ParseError{Kind: ErrInvalidParameter, Detail: arg})
			}

			kv[key] = val
		}

		return params(kv)
	}
}

var parsers = []subParser{
	exact("r+", Approve{}),
	exact("r-", ApproveCancel{}),
	withPrefix("r=", func(rest string) *result {
		return ok(ApproveEq{Reviewer: rest})
	}),
	exact("try-", TryCancel{}),
	keyword("try", func(kv map[string]string) *result {
		return ok(Try{Parent: kv["parent"]})
	}, "parent"),
	exact("ping", Ping{}),
}

// Parse parses the text following the bot prefix token into a Command.
// It never panics: for every input it returns either a Command or a
// *ParseError.
func Parse(text string) (Command, error) {
	tokens := strings.Fields(text)

	for _, parse := range parsers {
		res := parse(tokens)
		if res == nil {
			continue
		}

		if res.err != nil {
			return nil, res.err
		}

		return res.cmd, nil
	}

	if len(tokens) > 0 {
		return nil, &ParseError{Kind: ErrUnknownCommand, Detail: tokens[0]}
	}

	return nil, &ParseError{Kind: ErrMissingCommand}
}

// Extract returns, for every line of a comment body whose first token equals
// prefix, the text following the prefix token.
// A comment without command lines yields an empty slice.
func Extract(body, prefix string) []string {
	var result []string

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		rest, found := strings.CutPrefix(trimmed, prefix)
		if !found {
			continue
		}

		if rest != "" && !strings.HasPrefix(rest, " ") && !strings.HasPrefix(rest, "\t") {
			// prefix must be its own token ("borsify r+" is not for us)
			continue
		}

		result = append(result, strings.TrimSpace(rest))
	}

	return result
}
