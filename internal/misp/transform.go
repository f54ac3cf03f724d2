package misp

import (
	"strings"
	"time"

	"mispbridge/internal/domain/models"
	"mispbridge/pkg/logger"
)

// Transformer converts MISP attributes into platform artifact descriptors.
type Transformer struct {
	logger *logger.Logger
}

// NewTransformer creates a new Transformer.
func NewTransformer(log *logger.Logger) *Transformer {
	return &Transformer{logger: log.WithComponent("misp-transform")}
}

// Artifacts converts one attribute into zero or more artifact descriptors.
// Attributes not updated after since are dropped, as are deleted ones.
// Composite types (e.g. filename|md5) expand into one descriptor per
// fragment, each annotated with the full composite context.
func (t *Transformer) Artifacts(inst *Instance, attr Attribute, since *int64) []models.Artifact {
	if since != nil && attr.Date <= *since {
		return nil
	}
	if attr.Deleted {
		return nil
	}

	startDate := time.Unix(attr.Date, 0).UTC()

	if attr.Type == "attachment" || attr.Type == "malware-sample" {
		artifact := models.NewRemoteArtifact(models.RemoteAttachment{
			Filename:  attr.Value,
			Reference: attr.ID,
			Type:      attr.Type,
		})
		artifact.Message = attr.Comment
		artifact.StartDate = startDate
		tags := append([]string{inst.SourceTag()}, inst.ArtifactTags...)
		tags = append(tags, attr.Tags...)
		artifact.Tags, artifact.TLP = extractTLP(tags)
		return []models.Artifact{artifact}
	}

	types := []string{attr.Type}
	values := []string{attr.Value}
	if strings.Contains(attr.Type, "|") {
		types = strings.Split(attr.Type, "|")
		values = strings.Split(attr.Value, "|")
		for len(types) < len(values) {
			types = append(types, "noType")
		}
		for len(values) < len(types) {
			values = append(values, "noValue")
		}
	}

	message := attr.Comment
	if len(types) > 1 {
		lines := make([]string, len(types))
		for i := range types {
			lines[i] = types[i] + ": " + values[i]
		}
		summary := strings.Join(lines, "\n")
		if message != "" {
			message += "\n"
		}
		message += summary
	}

	tags := []string{
		inst.SourceTag(),
		"MISP:type=" + attr.Type,
		"MISP:category=" + attr.Category,
	}
	tags = append(tags, inst.ArtifactTags...)
	tags = append(tags, attr.Tags...)
	cleanTags, tlp := extractTLP(tags)

	artifacts := make([]models.Artifact, 0, len(types))
	for i := range types {
		artifact := models.NewDataArtifact(DataTypeFor(types[i]), values[i])
		artifact.Message = message
		artifact.StartDate = startDate
		artifact.Tags = cleanTags
		artifact.TLP = tlp
		artifacts = append(artifacts, artifact)
	}

	return artifacts
}

// tlpLevels are the tag values that override the artifact TLP.
var tlpLevels = map[string]int{
	"tlp:white": models.TLPWhite,
	"tlp:green": models.TLPGreen,
	"tlp:amber": models.TLPAmber,
	"tlp:red":   models.TLPRed,
}

// extractTLP consumes tlp:white|green|amber|red tags from the set and
// returns the remaining tags plus the resolved TLP (amber by default).
func extractTLP(tags []string) ([]string, int) {
	tlp := models.TLPAmber
	kept := make([]string, 0, len(tags))
	for _, tag := range tags {
		if level, ok := tlpLevels[strings.ToLower(tag)]; ok {
			tlp = level
			continue
		}
		kept = append(kept, tag)
	}
	return kept, tlp
}
