// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/sourcechat/pkg/ux"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

const maxInputHistory = 100

// InputReader reads one line of user input per call. io.EOF ends the
// session.
type InputReader interface {
	ReadLine() (string, error)
}

// newInputReader returns the interactive reader when in is a terminal
// and a plain line reader otherwise (pipes, CI).
func newInputReader(in io.Reader, prompt string) InputReader {
	if f, ok := in.(*os.File); ok && ux.IsTerminal(f) && ux.GetPersonality() != ux.PersonalityMachine {
		return &interactiveReader{prompt: prompt, in: f}
	}
	return &lineReader{scanner: bufio.NewScanner(in)}
}

// lineReader reads newline-terminated input.
type lineReader struct {
	scanner *bufio.Scanner
}

func (r *lineReader) ReadLine() (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(r.scanner.Text()), nil
}

// interactiveReader edits each line in a bubbletea program with
// up/down history.
type interactiveReader struct {
	prompt  string
	in      *os.File
	history []string
}

func (r *interactiveReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	p := tea.NewProgram(newInputModel(ti, r.history), tea.WithInput(r.in), tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}
	result, ok := finalModel.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}
	if result.eof {
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	if input != "" {
		r.history = appendHistory(r.history, input)
	}
	return input, nil
}

// appendHistory skips repeats of the newest entry and keeps at most
// maxInputHistory entries.
func appendHistory(history []string, input string) []string {
	if len(history) > 0 && history[len(history)-1] == input {
		return history
	}
	history = append(history, input)
	if len(history) > maxInputHistory {
		history = history[len(history)-maxInputHistory:]
	}
	return history
}

type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	pending      string
	eof          bool
}

func newInputModel(ti textinput.Model, history []string) inputModel {
	return inputModel{textInput: ti, history: history, historyIndex: -1}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd
	}

	switch key.Type {
	case tea.KeyEnter:
		return m, tea.Quit

	case tea.KeyCtrlC:
		m.textInput.SetValue("")
		return m, tea.Quit

	case tea.KeyCtrlD:
		if m.textInput.Value() == "" {
			m.eof = true
			return m, tea.Quit
		}

	case tea.KeyUp:
		if len(m.history) == 0 {
			return m, nil
		}
		if m.historyIndex == -1 {
			m.pending = m.textInput.Value()
			m.historyIndex = len(m.history) - 1
		} else if m.historyIndex > 0 {
			m.historyIndex--
		}
		m.textInput.SetValue(m.history[m.historyIndex])
		m.textInput.CursorEnd()
		return m, nil

	case tea.KeyDown:
		if m.historyIndex == -1 {
			return m, nil
		}
		if m.historyIndex < len(m.history)-1 {
			m.historyIndex++
			m.textInput.SetValue(m.history[m.historyIndex])
		} else {
			m.historyIndex = -1
			m.textInput.SetValue(m.pending)
		}
		m.textInput.CursorEnd()
		return m, nil
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	return m.textInput.View()
}
