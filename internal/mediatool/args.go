package mediatool

import "fmt"

// StillExtractTimecode is the default seek point for still extraction, per
// spec §4.5 item 3.
const StillExtractTimecode = "00:00:05"

// PostTitle is the stream-title metadata applied to the attached subtitle
// track during mux, matching original_source/plugins/SUBMERGER.py's
// "title=HeavenlySubs".
const PostTitle = "HeavenlySubs"

// StripSubtitlesArgs builds the argument vector for spec §4.6 step 2: an
// intermediate container with all pre-existing subtitle streams stripped via
// stream-copy, grounded on SUBMERGER.py's `-map 0:v -map 0:a?` invocation.
func StripSubtitlesArgs(input, output string) []string {
	return []string{
		"-y",
		"-i", input,
		"-map", "0:v",
		"-map", "0:a?",
		"-c", "copy",
		output,
	}
}

// ConvertSubtitleArgs builds the argument vector converting a foreign
// subtitle file to the canonical ASS format, grounded on
// subtitle_formater.py's plain `ffmpeg -i in out.ass` invocation.
func ConvertSubtitleArgs(input, output string) []string {
	return []string{"-y", "-i", input, output}
}

// MuxArgs builds the argument vector for spec §4.5 item 2 / §4.6 step 4:
// muxing the stripped video with the normalized subtitle and an attached
// font, stream-copy only, grounded on SUBMERGER.py's merge_cmd.
func MuxArgs(strippedVideo, subtitle, font, output string) []string {
	args := []string{
		"-y",
		"-i", strippedVideo,
		"-i", subtitle,
	}
	if font != "" {
		args = append(args,
			"-attach", font,
			"-metadata:s:t:0", "mimetype=application/x-font-otf",
		)
	}
	args = append(args,
		"-map", "0",
		"-map", "1",
		"-metadata:s:s:0", fmt.Sprintf("title=%s", PostTitle),
		"-metadata:s:s:0", "language=eng",
		"-disposition:s:s:0", "default",
		"-c", "copy",
		output,
	)
	return args
}

// StillExtractArgs builds the argument vector for spec §4.5 item 3: a
// single JPEG frame at quality 2 from the configured timecode, grounded on
// SUBMERGER.py's generate_screenshot.
func StillExtractArgs(input, timecode, output string) []string {
	if timecode == "" {
		timecode = StillExtractTimecode
	}
	return []string{
		"-y",
		"-ss", timecode,
		"-i", input,
		"-frames:v", "1",
		"-q:v", "2",
		output,
	}
}

// SubtitleExtractArgs builds the argument vector for spec §4.5 item 4:
// mapping the first subtitle stream to a standalone file, grounded on
// SUBMERGER.py's extract_subtitles.
func SubtitleExtractArgs(input, output string) []string {
	return []string{
		"-y",
		"-i", input,
		"-map", "0:s:0",
		output,
	}
}
