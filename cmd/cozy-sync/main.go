// Command cozy-sync runs the bidirectional file-sync reconciler core: a
// local filesystem watcher, a MetadataStore journal, and a Merge reconciler
// feeding a single serialized consumer.
package main

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}
