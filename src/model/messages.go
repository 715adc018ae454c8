package model

// Messages are the canned user-facing strings sent instead of a real reply
type Messages struct {
	TooLong          string `yaml:"too_long"`
	HighDemand       string `yaml:"high_demand"`
	ProcessingError  string `yaml:"processing_error"`
	Generic          string `yaml:"generic"`
	Capacity         string `yaml:"capacity"`
	MediaUnsupported string `yaml:"media_unsupported"`
	MediaTooLarge    string `yaml:"media_too_large"`
}

// Prompts are the system texts for the two language-provider calls
type Prompts struct {
	Reply      string `yaml:"reply"`
	Extraction string `yaml:"extraction"`
}

// Content is everything loaded from the prompts file
type Content struct {
	Messages Messages `yaml:"messages"`
	Prompts  Prompts  `yaml:"prompts"`
}

// WithDefaults fills empty fields from def
func (c Content) WithDefaults(def Content) Content {
	fill := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	fill(&c.Messages.TooLong, def.Messages.TooLong)
	fill(&c.Messages.HighDemand, def.Messages.HighDemand)
	fill(&c.Messages.ProcessingError, def.Messages.ProcessingError)
	fill(&c.Messages.Generic, def.Messages.Generic)
	fill(&c.Messages.Capacity, def.Messages.Capacity)
	fill(&c.Messages.MediaUnsupported, def.Messages.MediaUnsupported)
	fill(&c.Messages.MediaTooLarge, def.Messages.MediaTooLarge)
	fill(&c.Prompts.Reply, def.Prompts.Reply)
	fill(&c.Prompts.Extraction, def.Prompts.Extraction)
	return c
}
