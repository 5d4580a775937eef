package tokenizer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	defaultBOS = "<|startoftext|>"
	defaultEOS = "<|endoftext|>"
)

// Load reads a CLIP vocabulary from a HuggingFace-style vocab.json and
// merges.txt pair, as shipped with Stable Diffusion text encoders.
func Load(vocabPath, mergesPath string) (*Tokenizer, error) {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("reading vocab: %w", err)
	}

	var vocabMap map[string]int32
	if err := json.Unmarshal(data, &vocabMap); err != nil {
		return nil, fmt.Errorf("parsing vocab: %w", err)
	}

	var maxID int32 = -1
	for _, id := range vocabMap {
		if id > maxID {
			maxID = id
		}
	}

	values := make([]string, maxID+1)
	for value, id := range vocabMap {
		values[id] = value
	}

	merges, err := loadMerges(mergesPath)
	if err != nil {
		return nil, err
	}

	bos, okBOS := vocabMap[defaultBOS]
	eos, okEOS := vocabMap[defaultEOS]
	if !okBOS || !okEOS {
		return nil, fmt.Errorf("vocab %s is missing %s or %s", vocabPath, defaultBOS, defaultEOS)
	}

	return New(NewVocabulary(values, merges, bos, eos)), nil
}

func loadMerges(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading merges: %w", err)
	}
	defer f.Close()

	var merges []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// merges.txt opens with a "#version" header
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		merges = append(merges, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading merges: %w", err)
	}
	return merges, nil
}
