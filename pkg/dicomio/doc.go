/*
Package dicomio handles the on-disk representation of received objects.

The byte-preservation contract lives here: a received dataset is wrapped
with a generated Part 10 header (128-byte preamble, DICM prefix, file meta
group for the negotiated transfer syntax) and written atomically; the
forwarder later strips exactly that header with SplitPart10 and sends the
dataset bytes verbatim. Nothing in this package re-encodes, normalizes VR,
or rewrites group lengths of a received dataset.

Storage layout:

	{root}/{study_instance_uid}/{sop_instance_uid}.dcm   permanent store
	{root}/incoming/                                     rename stage

Directories are created 0750, files 0640. Writes stage in incoming/ on the
same device, fsync, then rename, so readers never observe partial files.

The Descriptor type is the catalog writer's view of a dataset: the small
set of patient/study/series/instance tags it needs, populated by a
top-level element scan via dicomnet.
*/
package dicomio
