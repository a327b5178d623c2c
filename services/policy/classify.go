// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed patterns/content_patterns.yaml
var contentPatternsYAML []byte

// Classification is one named category of content the Policy Gate can flag
// in an otherwise-admitted message, loaded from an embedded YAML ruleset
// following the teacher's policy_engine.PolicyEngineClassificationFile
// shape. Unlike Sanitize, classification never rewrites the message: it is
// a detection signal for logging, not a content-modification rule, so it
// cannot affect the message-length and sanitization invariants spec §8
// pins down.
type Classification struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Priority    int        `yaml:"priority"`
	Patterns    []pattern  `yaml:"patterns"`
	compiled    []*regexp.Regexp
}

type pattern struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Regex       string `yaml:"regex"`
	Confidence  string `yaml:"confidence"`
}

type classificationFile struct {
	Classifications []Classification `yaml:"classifications"`
}

var defaultClassifications = mustLoadClassifications(contentPatternsYAML)

func mustLoadClassifications(data []byte) []Classification {
	classes, err := loadClassifications(data)
	if err != nil {
		panic(fmt.Sprintf("policy: embedded content_patterns.yaml is invalid: %v", err))
	}
	return classes
}

func loadClassifications(data []byte) ([]Classification, error) {
	var file classificationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("policy: unmarshal content patterns: %w", err)
	}
	for i := range file.Classifications {
		c := &file.Classifications[i]
		for _, p := range c.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("policy: compile pattern %s/%s: %w", c.Name, p.ID, err)
			}
			c.compiled = append(c.compiled, re)
		}
	}
	sort.SliceStable(file.Classifications, func(i, j int) bool {
		return file.Classifications[i].Priority > file.Classifications[j].Priority
	})
	return file.Classifications, nil
}

// Classify reports the names of every Classification whose pattern set
// matches message, highest priority first. An empty result is the common
// case; callers typically only log a non-empty result.
func Classify(message string) []string {
	var hits []string
	for _, class := range defaultClassifications {
		for _, re := range class.compiled {
			if re.MatchString(message) {
				hits = append(hits, class.Name)
				break
			}
		}
	}
	return hits
}
