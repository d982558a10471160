// Package script interprets Groovy updater scripts.
//
// An updater script declares its registry entry through annotations on the
// script class:
//
//	@Updater(name = "Fix titles", path = "/content/documents", batchSize = 50L)
//	@Bootstrap(contentroot = Bootstrap.ContentRoot.REGISTRY, sequence = 10.5d)
//	class FixTitles extends BaseNodeUpdateVisitor { ... }
//
// The interpreter does not evaluate Groovy. It scans the annotations,
// validates them and returns a [Definition] holding the annotation values
// and the script body with the annotations stripped.
package script
