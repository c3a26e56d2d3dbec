package defender

import (
	"github.com/anti-raid/defender/types"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const embedColor = 0x1f1137

var printer = message.NewPrinter(language.English)

func status(done bool) string {
	if done {
		return "Complete"
	}

	return "Incomplete"
}

func count(n int) string {
	return printer.Sprintf("%d", n)
}

// RequirementsEmbed lists the settings a guild still has to configure
func RequirementsEmbed(req types.Requirements) *discordgo.MessageEmbed {
	if req.Complete() {
		return &discordgo.MessageEmbed{
			Title: "Requirements",
			Color: embedColor,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Good news", Value: "You did all the requirements for pruning away scammers/spammers/raiders etc..."},
			},
		}
	}

	return &discordgo.MessageEmbed{
		Title: "Requirements",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Set Prune Role", Value: status(req.PruneRole), Inline: true},
			{Name: "Set Moderation Channel", Value: status(req.ModeratorChannel), Inline: true},
		},
	}
}

func SweepEmbed(r *types.SweepReport) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Pruned members banned",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Banned", Value: count(len(r.Banned)), Inline: true},
			{Name: "No longer on Discord", Value: count(r.Removed), Inline: true},
			{Name: "Failed", Value: count(r.Failed), Inline: true},
		},
	}
}

func MassBanEmbed(r *types.MassBanReport) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Massban finished",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Requested", Value: count(r.Requested), Inline: true},
			{Name: "Banned", Value: count(len(r.Banned)), Inline: true},
			{Name: "Already Banned", Value: count(r.AlreadyBanned), Inline: true},
			{Name: "Skipped", Value: count(r.Skipped), Inline: true},
			{Name: "Failed", Value: count(r.Failed), Inline: true},
			{Name: "Invalid Lines", Value: count(r.Invalid), Inline: true},
		},
	}
}

func UnlockEmbed(channelName string, ld *types.Lockdown) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Lockdown successfully freed",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Channel", Value: channelName, Inline: true},
			{Name: "Roles Restored", Value: count(len(ld.Roles)), Inline: true},
		},
	}
}
