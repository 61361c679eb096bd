package services

import "fmt"

// Because multiple Receptor nodes share one archive, session directory names
// have to be derivable from the same identifying triple everywhere - the
// importer lays transient data down under this key and the archiver later
// picks it up by the same name. This struct and its associated functions are
// meant to ensure this is the case.
type SessionKey struct {
	Project string
	Name    string
	Tag     string
}

func NewSessionKey(project, name, tag string) SessionKey {
	return SessionKey{Project: project, Name: name, Tag: tag}
}

func (k SessionKey) ToString() string {
	return fmt.Sprintf("%s-%s-%s", k.Project, k.Name, k.Tag)
}
