package processors

import (
	"fmt"
	"io/ioutil"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	config "github.com/openmri/receptor/config"
)

// RemapStep rewrites identifiers in a transfer's metadata according to a
// configured script. The script is a YAML document keyed by study-level
// identifier; each study's block maps old identifier values to their
// replacements:
//
//	scan-442:
//	  PatientID: anon-0017
//	  StudyDescription: protocol-A
//
// A study with no block in the script passes through untouched.
type RemapStep struct {
	id     string
	script map[string]map[string]string
}

func NewRemapStep(cfg config.ProcessorConfig) (Step, error) {
	file, ok := cfg.Params["script"]
	if !ok {
		return nil, fmt.Errorf("processor instance %s: remap requires a \"script\" param", cfg.ID)
	}

	contents, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("processor instance %s: %v", cfg.ID, err)
	}

	script := map[string]map[string]string{}
	if err := yaml.Unmarshal(contents, &script); err != nil {
		return nil, fmt.Errorf("processor instance %s: failed to parse remap script %s: %v", cfg.ID, file, err)
	}

	return &RemapStep{id: cfg.ID, script: script}, nil
}

func (s *RemapStep) Process(ctx *TransferContext) (Result, error) {
	mapping, ok := s.script[ctx.StudyID]
	if !ok {
		return ResultContinue, nil
	}

	remapped := 0
	for field, value := range mapping {
		if _, present := ctx.Metadata[field]; present {
			ctx.Metadata[field] = value
			remapped++
		}
	}

	log.Debugf("Processor %s remapped %d identifiers for study %s", s.id, remapped, ctx.StudyID)
	return ResultContinue, nil
}
