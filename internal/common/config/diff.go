package config

// RepositoryDiff captures the result of comparing two repository sets across a
// config reload (§4.8): added entries, removed ids, modified entries (new value),
// and whether any non-repository field changed.
type RepositoryDiff struct {
	Added        []RepositoryConfig
	Removed      []string
	Modified     []RepositoryConfig
	OtherChanged bool
}

// Empty reports whether the diff carries no changes at all.
func (d RepositoryDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0 && !d.OtherChanged
}

// Diff compares old and next configurations and classifies repository-level
// changes plus a coarse "something else changed" flag for every other field.
func Diff(old, next *Config) RepositoryDiff {
	var diff RepositoryDiff

	oldByID := make(map[string]RepositoryConfig, len(old.Repositories))
	for _, r := range old.Repositories {
		oldByID[r.ID] = r
	}
	nextByID := make(map[string]RepositoryConfig, len(next.Repositories))
	for _, r := range next.Repositories {
		nextByID[r.ID] = r
	}

	for id, r := range nextByID {
		if _, ok := oldByID[id]; !ok {
			diff.Added = append(diff.Added, r)
		}
	}
	for id, r := range oldByID {
		nr, ok := nextByID[id]
		if !ok {
			diff.Removed = append(diff.Removed, id)
			continue
		}
		if !repositoryEqual(r, nr) {
			diff.Modified = append(diff.Modified, nr)
		}
	}

	diff.OtherChanged = otherFieldsChanged(old, next)
	return diff
}

func repositoryEqual(a, b RepositoryConfig) bool {
	am, _ := marshalRepoForCompare(a)
	bm, _ := marshalRepoForCompare(b)
	return string(am) == string(bm)
}

func marshalRepoForCompare(r RepositoryConfig) ([]byte, error) {
	return marshalConfig(&Config{Repositories: []RepositoryConfig{r}})
}

func otherFieldsChanged(old, next *Config) bool {
	oldCopy := *old
	nextCopy := *next
	oldCopy.Repositories = nil
	nextCopy.Repositories = nil

	om, _ := marshalConfig(&oldCopy)
	nm, _ := marshalConfig(&nextCopy)
	return string(om) != string(nm)
}
