package session

type sourceKey struct {
	content string
	hasURL  bool
	url     string
}

// DedupSources drops sources whose (content, metadata.source) pair was already
// seen, keeping the first occurrence and the original order.
func DedupSources(sources []Source) []Source {
	if sources == nil {
		return nil
	}
	seen := make(map[sourceKey]struct{}, len(sources))
	out := make([]Source, 0, len(sources))
	for _, src := range sources {
		key := sourceKey{content: src.Content}
		if src.Metadata.Source != nil {
			key.hasURL = true
			key.url = *src.Metadata.Source
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, src)
	}
	return out
}
