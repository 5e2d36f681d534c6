package marketplace

import "sort"

// NewView flattens an extension into its outward-facing record
func NewView(ext Extension) ExtensionView {
	tags := make([]string, 0, len(ext.Tags))
	for _, t := range ext.Tags {
		tags = append(tags, t.Name)
	}
	sort.Strings(tags)

	v := ExtensionView{
		ID:              ext.ID,
		Name:            ext.Name,
		Version:         ext.Version,
		Description:     ext.Description,
		Pending:         ext.Pending,
		Featured:        ext.Featured,
		UploadDate:      ext.UploadDate,
		TimesDownloaded: ext.TimesDownloaded,
		OwnerID:         ext.Owner.ID,
		OwnerName:       ext.Owner.Username,
		Tags:            tags,
	}

	if m := ext.Metadata; m != nil {
		v.GitHubLink = m.Link
		if !m.LastCommit.IsZero() {
			lastCommit := m.LastCommit
			v.LastCommit = &lastCommit
		}
		v.OpenIssues = m.OpenIssues
		v.PullRequests = m.PullRequests
	}

	if a := ext.Artifact; a != nil {
		v.HasArtifact = true
		v.ArtifactSize = a.SizeBytes
	}

	return v
}

// NewViews maps a list of extensions to views, preserving order
func NewViews(exts []Extension) []ExtensionView {
	views := make([]ExtensionView, 0, len(exts))
	for _, ext := range exts {
		views = append(views, NewView(ext))
	}
	return views
}
