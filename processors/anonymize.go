package processors

import (
	"fmt"
	"io/ioutil"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	config "github.com/openmri/receptor/config"
)

const anonymizedValue = "ANONYMIZED"

// AnonymizeStep scrubs identifying metadata fields. At the metadata-only
// stage it always suppresses the rest of the chain: anonymization needs the
// complete data object, so nothing downstream should act on a transfer that
// still carries identifying data. The real scrub happens when the chain is
// re-run at the complete stage.
type AnonymizeStep struct {
	id     string
	fields []string
}

func NewAnonymizeStep(cfg config.ProcessorConfig) (Step, error) {
	s := &AnonymizeStep{id: cfg.ID}

	// The script is optional: an instance without one still suppresses the
	// metadata stage, it just has nothing to scrub later.
	file, ok := cfg.Params["script"]
	if !ok {
		return s, nil
	}

	contents, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("processor instance %s: %v", cfg.ID, err)
	}
	if err := yaml.Unmarshal(contents, &s.fields); err != nil {
		return nil, fmt.Errorf("processor instance %s: failed to parse anonymize script %s: %v", cfg.ID, file, err)
	}

	return s, nil
}

func (s *AnonymizeStep) Process(ctx *TransferContext) (Result, error) {
	if ctx.Stage == StageMetadata {
		log.Debugf("Processor %s deferring anonymization of study %s until complete data is available", s.id, ctx.StudyID)
		return ResultSuppress, nil
	}

	scrubbed := 0
	for _, field := range s.fields {
		if _, present := ctx.Metadata[field]; present {
			ctx.Metadata[field] = anonymizedValue
			scrubbed++
		}
	}

	log.Infof("Processor %s anonymized %d fields for study %s", s.id, scrubbed, ctx.StudyID)
	return ResultContinue, nil
}
